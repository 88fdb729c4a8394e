package stage

import (
	"context"
	"path"
	"path/filepath"
	"strings"

	"github.com/animus-labs/deploypipe/internal/domain"
	"github.com/animus-labs/deploypipe/internal/tools"
)

// maxLoggedFindings caps the per-finding warn entries of one stage.
const maxLoggedFindings = 20

// AdapterHandler runs a tool adapter for a stage. Reports are written to the
// report store when one is configured.
type AdapterHandler struct {
	Adapter tools.Adapter
	Reports ReportStore
}

func NewAdapterHandler(adapter tools.Adapter, reports ReportStore) *AdapterHandler {
	return &AdapterHandler{Adapter: adapter, Reports: reports}
}

func (h *AdapterHandler) Handle(ctx context.Context, call Call) (Outcome, error) {
	name := h.Adapter.Name()
	probeCtx, cancel := context.WithTimeout(ctx, tools.ProbeTimeout)
	available := h.Adapter.IsAvailable(probeCtx)
	cancel()
	if !available {
		return Outcome{}, Fail(domain.ErrorCodeToolUnavailable, "%s is unavailable", name)
	}

	target := h.target(call)
	opts := tools.Options{}
	for k, v := range call.Stage.Parameters {
		if k == "path" || k == "image" {
			continue
		}
		opts[k] = v
	}
	if _, ok := opts["project_key"]; !ok {
		opts["project_key"] = call.Exec.ApplicationRef
	}

	call.Info(ctx, "running "+name, domain.Metadata{"capability": string(h.Adapter.Capability()), "path": target.Path, "image": target.Image})
	res, err := h.Adapter.Run(ctx, target, opts)
	if err != nil {
		return Outcome{}, Fail(domain.ErrorCodeToolFailed, "%s: %v", name, err)
	}

	out := Outcome{Summary: res.Summary, Artifacts: map[string]string{}}
	for k, v := range res.Annotations {
		out.Artifacts[k] = v
	}
	if len(res.Report) > 0 && h.Reports != nil {
		key := path.Join(call.Exec.ExecutionID, call.Stage.ID, reportName(res, name))
		ref, err := h.Reports.PutReport(ctx, key, res.Report, res.ReportType)
		if err != nil {
			call.Warn(ctx, "report upload failed", domain.Metadata{"error": err.Error(), "key": key})
		} else {
			out.Artifacts["report"] = ref
		}
	}

	for i, f := range res.Findings {
		if i == maxLoggedFindings {
			call.Warn(ctx, "additional findings omitted", domain.Metadata{"omitted": len(res.Findings) - maxLoggedFindings})
			break
		}
		call.Warn(ctx, "finding: "+firstNonEmpty(f.Title, f.ID), domain.Metadata{
			"id":       f.ID,
			"severity": f.Severity,
			"category": f.Category,
			"package":  f.Package,
			"location": f.Location,
		})
	}

	if !res.Success {
		msg := strings.TrimSpace(res.Error)
		if msg == "" {
			msg = name + " reported failure"
		}
		return out, Fail(domain.ErrorCodeToolFailed, "%s", msg)
	}
	return out, nil
}

// target resolves the scan subject: "path" is relative to the workspace,
// "image" falls back to an image produced by an earlier stage.
func (h *AdapterHandler) target(call Call) tools.Target {
	target := tools.Target{Path: call.Exec.Workspace, Env: call.Exec.Env}
	if p := strings.TrimSpace(call.Param("path")); p != "" {
		if filepath.IsAbs(p) || call.Exec.Workspace == "" {
			target.Path = p
		} else {
			target.Path = filepath.Join(call.Exec.Workspace, p)
		}
	}
	target.Image = strings.TrimSpace(call.Param("image"))
	if target.Image == "" {
		target.Image = call.Exec.Artifacts["image"]
	}
	return target
}

func reportName(res tools.Result, adapter string) string {
	if res.ReportName != "" {
		return res.ReportName
	}
	return adapter + "-report"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
