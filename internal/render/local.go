package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LocalRenderer spools artifact files to a local directory. It produces
// correctly named and typed files but no report content; template-specific
// rendering plugs in behind the Renderer interface.
type LocalRenderer struct {
	Dir string
}

// NewLocalRenderer creates the spool directory if needed.
func NewLocalRenderer(dir string) (*LocalRenderer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &LocalRenderer{Dir: dir}, nil
}

func (r *LocalRenderer) Render(ctx context.Context, req Request) (*Artifact, error) {
	if !KnownTemplate(req.TemplateID) {
		return nil, Permanent(fmt.Sprintf("unknown template %q", req.TemplateID), nil)
	}

	if req.OnProgress != nil {
		req.OnProgress(30, "data assembled")
	}

	// UUIDs get shortened to their first group; anything shorter is kept whole.
	idTag := req.JobID
	if len(idTag) > 8 {
		idTag = idTag[:8]
	}
	name := fmt.Sprintf("%s-%s-%s%s",
		req.TemplateID,
		time.Now().UTC().Format("20060102-150405"),
		idTag,
		Extension(req.Format),
	)
	path := filepath.Join(r.Dir, name)

	content := fmt.Sprintf("%s (%s) job=%s\n", Templates[req.TemplateID], req.Format, req.JobID)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, Retryable("write artifact", err)
	}

	select {
	case <-ctx.Done():
		_ = os.Remove(path)
		return nil, Retryable("render timeout", ctx.Err())
	default:
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, Retryable("stat artifact", err)
	}

	return &Artifact{
		FilePath:  path,
		FileName:  name,
		SizeBytes: info.Size(),
		MimeType:  MimeType(req.Format),
	}, nil
}
