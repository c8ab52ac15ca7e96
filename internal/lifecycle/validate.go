package lifecycle

import (
	"fmt"
	"time"

	"github.com/Arcay322/Granja-cuyes-sub002/internal/domain"
	"github.com/Arcay322/Granja-cuyes-sub002/internal/render"
)

// CreateRequest is the caller-supplied description of an export job.
type CreateRequest struct {
	TemplateID string         `json:"template_id"`
	Format     domain.Format  `json:"format"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
}

var (
	pdfPageSizes    = map[string]bool{"A4": true, "LETTER": true, "LEGAL": true}
	pdfOrientations = map[string]bool{"portrait": true, "landscape": true}
	csvEncodings    = map[string]bool{"utf-8": true, "latin1": true, "utf-16": true}
)

func validateRequest(req CreateRequest) error {
	if !render.KnownTemplate(req.TemplateID) {
		return &domain.UnknownTemplateError{TemplateID: req.TemplateID}
	}
	if !req.Format.Valid() {
		return &domain.ValidationError{Field: "format", Message: "must be PDF, EXCEL or CSV"}
	}
	if err := validateDateRange(req.Parameters); err != nil {
		return err
	}
	return validateOptions(req.Format, req.Options)
}

// validateDateRange checks the optional from/to parameters: both must parse
// as RFC 3339 or YYYY-MM-DD, and from must not be after to.
func validateDateRange(params map[string]any) error {
	from, hasFrom, err := parseDateParam(params, "from")
	if err != nil {
		return err
	}
	to, hasTo, err := parseDateParam(params, "to")
	if err != nil {
		return err
	}
	if hasFrom && hasTo && from.After(to) {
		return &domain.ValidationError{Field: "date range", Message: "'from' must not be after 'to'"}
	}
	return nil
}

func parseDateParam(params map[string]any, key string) (time.Time, bool, error) {
	raw, ok := params[key]
	if !ok {
		return time.Time{}, false, nil
	}
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, false, &domain.ValidationError{Field: key, Message: "must be a date string"}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true, nil
		}
	}
	return time.Time{}, false, &domain.ValidationError{
		Field:   key,
		Message: fmt.Sprintf("cannot parse %q as a date", s),
	}
}

func validateOptions(format domain.Format, opts map[string]any) error {
	switch format {
	case domain.FormatPDF:
		if raw, ok := opts["pageSize"]; ok {
			s, isStr := raw.(string)
			if !isStr || !pdfPageSizes[s] {
				return &domain.ValidationError{Field: "pageSize", Message: "must be A4, LETTER or LEGAL"}
			}
		}
		if raw, ok := opts["orientation"]; ok {
			s, isStr := raw.(string)
			if !isStr || !pdfOrientations[s] {
				return &domain.ValidationError{Field: "orientation", Message: "must be portrait or landscape"}
			}
		}
	case domain.FormatExcel:
		if raw, ok := opts["compression"]; ok {
			if _, isBool := raw.(bool); !isBool {
				return &domain.ValidationError{Field: "compression", Message: "must be a boolean"}
			}
		}
	case domain.FormatCSV:
		if raw, ok := opts["encoding"]; ok {
			s, isStr := raw.(string)
			if !isStr || !csvEncodings[s] {
				return &domain.ValidationError{Field: "encoding", Message: "must be utf-8, latin1 or utf-16"}
			}
		}
		if raw, ok := opts["separator"]; ok {
			if _, isStr := raw.(string); !isStr {
				return &domain.ValidationError{Field: "separator", Message: "must be a string"}
			}
		}
	}
	return nil
}
