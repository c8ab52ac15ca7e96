package render

import (
	"context"

	"github.com/Arcay322/Granja-cuyes-sub002/internal/domain"
)

// Templates is the closed set of report templates the farm exposes.
var Templates = map[string]string{
	"inventory":    "Inventario de cuyes",
	"reproduction": "Ciclos de reproducción",
	"feeding":      "Consumo de alimento",
	"health":       "Historial sanitario",
	"sales":        "Ventas y movimientos",
}

// KnownTemplate reports whether id names a registered template.
func KnownTemplate(id string) bool {
	_, ok := Templates[id]
	return ok
}

// Artifact describes one file produced by a render call.
type Artifact struct {
	FilePath  string
	FileName  string
	SizeBytes int64
	MimeType  string
}

// Request carries everything a renderer needs for one job.
type Request struct {
	JobID      string
	TemplateID string
	Format     domain.Format
	Parameters map[string]any
	Options    map[string]any

	// OnProgress, when non-nil, lets the renderer report intermediate
	// progress (e.g. data assembled) back to the queue.
	OnProgress func(pct int, note string)
}

// Renderer produces a report artifact for a job. Implementations should
// return *Error so failures carry an explicit retryability kind; plain errors
// fall back to keyword classification.
type Renderer interface {
	Render(ctx context.Context, req Request) (*Artifact, error)
}

// MimeType returns the content type for a given output format.
func MimeType(f domain.Format) string {
	switch f {
	case domain.FormatPDF:
		return "application/pdf"
	case domain.FormatExcel:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case domain.FormatCSV:
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}

// Extension returns the file extension (with dot) for a format.
func Extension(f domain.Format) string {
	switch f {
	case domain.FormatPDF:
		return ".pdf"
	case domain.FormatExcel:
		return ".xlsx"
	case domain.FormatCSV:
		return ".csv"
	default:
		return ".bin"
	}
}
