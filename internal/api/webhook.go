package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/animus-labs/deploypipe/internal/domain"
	"github.com/animus-labs/deploypipe/internal/platform/env"
	"github.com/animus-labs/deploypipe/internal/platform/httpserver"
	"github.com/animus-labs/deploypipe/internal/service/pipelines"
)

const (
	githubHeaderEvent     = "X-GitHub-Event"
	githubHeaderSignature = "X-Hub-Signature-256"
	gitlabHeaderEvent     = "X-Gitlab-Event"
	gitlabHeaderToken     = "X-Gitlab-Token"
	bitbucketHeaderEvent  = "X-Event-Key"

	ProviderGitHub    = "github"
	ProviderGitLab    = "gitlab"
	ProviderBitbucket = "bitbucket"
	ProviderGeneric   = "generic"
)

var (
	errSignatureRequired = errors.New("signature required")
	errSignatureInvalid  = errors.New("signature invalid")
	errIgnoredEvent      = errors.New("event ignored")
	errInvalidPayload    = errors.New("invalid payload")
)

// WebhookConfig holds provider secrets. An empty secret disables
// verification for that provider.
type WebhookConfig struct {
	GitHubSecret string
	GitLabToken  string
}

func WebhookConfigFromEnv() WebhookConfig {
	return WebhookConfig{
		GitHubSecret: strings.TrimSpace(env.String("webhook.github_secret", "")),
		GitLabToken:  strings.TrimSpace(env.String("webhook.gitlab_token", "")),
	}
}

// PushEvent is the provider-neutral view of a push or tag delivery.
type PushEvent struct {
	Provider  string
	Event     string
	Branch    string
	Tag       string
	CommitSHA string
	Actor     string
}

func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		a.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}

	event, err := ParseWebhook(r.Header, body, a.webhooks)
	switch {
	case err == nil:
	case errors.Is(err, errIgnoredEvent):
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{"status": "ignored", "reason": err.Error()})
		return
	case errors.Is(err, errSignatureRequired):
		a.logger.Warn("webhook rejected", "app", r.PathValue("app"), "reason", err.Error())
		a.writeError(w, r, http.StatusUnauthorized, "signature_required")
		return
	case errors.Is(err, errSignatureInvalid):
		a.logger.Warn("webhook rejected", "app", r.PathValue("app"), "reason", err.Error())
		a.writeError(w, r, http.StatusUnauthorized, "signature_invalid")
		return
	default:
		a.writeErrorMessage(w, r, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	audit := auditInfo(r)
	if audit.Actor == "" {
		audit.Actor = event.Actor
	}
	id, err := a.svc.TriggerPipeline(r.Context(), pipelines.TriggerRequest{
		ApplicationRef: r.PathValue("app"),
		Kind:           domain.TriggerKindWebhook,
		Branch:         event.Branch,
		Tag:            event.Tag,
		CommitSHA:      event.CommitSHA,
		Provider:       event.Provider,
		Audit:          audit,
	})
	switch {
	case err == nil:
		w.Header().Set("Location", "/executions/"+id)
		httpserver.WriteJSON(w, http.StatusAccepted, map[string]any{
			"execution_id": id,
			"status":       domain.ExecutionStatusQueued,
			"provider":     event.Provider,
		})
	case errors.Is(err, domain.ErrNoMatchingBranch), errors.Is(err, domain.ErrTriggerModeMismatch), errors.Is(err, domain.ErrPipelineDisabled):
		// Providers treat non-2xx as delivery failures and retry.
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{"status": "ignored", "reason": err.Error()})
	default:
		a.writeServiceError(w, r, err)
	}
}

// ParseWebhook identifies the provider from its headers, verifies the
// delivery and extracts the pushed ref.
func ParseWebhook(h http.Header, body []byte, cfg WebhookConfig) (PushEvent, error) {
	switch {
	case h.Get(githubHeaderEvent) != "":
		return parseGitHub(h, body, cfg.GitHubSecret)
	case h.Get(gitlabHeaderEvent) != "":
		return parseGitLab(h, body, cfg.GitLabToken)
	case h.Get(bitbucketHeaderEvent) != "":
		return parseBitbucket(h, body)
	default:
		return parseGeneric(body)
	}
}

type githubPush struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Deleted bool   `json:"deleted"`
	Pusher  struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

func parseGitHub(h http.Header, body []byte, secret string) (PushEvent, error) {
	if secret != "" {
		if err := verifyGitHubSignature(secret, body, h.Get(githubHeaderSignature)); err != nil {
			return PushEvent{}, err
		}
	}
	kind := strings.TrimSpace(h.Get(githubHeaderEvent))
	if kind != "push" {
		return PushEvent{}, fmt.Errorf("%w: github %s", errIgnoredEvent, kind)
	}
	var p githubPush
	if err := json.Unmarshal(body, &p); err != nil {
		return PushEvent{}, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if p.Deleted {
		return PushEvent{}, fmt.Errorf("%w: ref deleted", errIgnoredEvent)
	}
	event := PushEvent{Provider: ProviderGitHub, Event: kind, CommitSHA: p.After, Actor: firstNonEmpty(p.Pusher.Name, p.Sender.Login)}
	return withRef(event, p.Ref)
}

func verifyGitHubSignature(secret string, body []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return errSignatureRequired
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return errSignatureInvalid
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return errSignatureInvalid
	}
	if !hmac.Equal(SignGitHub(secret, body), got) {
		return errSignatureInvalid
	}
	return nil
}

// SignGitHub computes the X-Hub-Signature-256 digest of body.
func SignGitHub(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

type gitlabPush struct {
	ObjectKind   string `json:"object_kind"`
	Ref          string `json:"ref"`
	After        string `json:"after"`
	CheckoutSHA  string `json:"checkout_sha"`
	UserUsername string `json:"user_username"`
	UserName     string `json:"user_name"`
}

func parseGitLab(h http.Header, body []byte, token string) (PushEvent, error) {
	if token != "" {
		got := strings.TrimSpace(h.Get(gitlabHeaderToken))
		if got == "" {
			return PushEvent{}, errSignatureRequired
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			return PushEvent{}, errSignatureInvalid
		}
	}
	kind := strings.TrimSpace(h.Get(gitlabHeaderEvent))
	if kind != "Push Hook" && kind != "Tag Push Hook" {
		return PushEvent{}, fmt.Errorf("%w: gitlab %s", errIgnoredEvent, kind)
	}
	var p gitlabPush
	if err := json.Unmarshal(body, &p); err != nil {
		return PushEvent{}, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	sha := firstNonEmpty(p.CheckoutSHA, p.After)
	if sha == "" || strings.Trim(sha, "0") == "" {
		return PushEvent{}, fmt.Errorf("%w: ref deleted", errIgnoredEvent)
	}
	event := PushEvent{Provider: ProviderGitLab, Event: kind, CommitSHA: sha, Actor: firstNonEmpty(p.UserUsername, p.UserName)}
	return withRef(event, p.Ref)
}

type bitbucketPush struct {
	Actor struct {
		Nickname    string `json:"nickname"`
		DisplayName string `json:"display_name"`
	} `json:"actor"`
	Push struct {
		Changes []struct {
			New *struct {
				Type   string `json:"type"`
				Name   string `json:"name"`
				Target struct {
					Hash string `json:"hash"`
				} `json:"target"`
			} `json:"new"`
		} `json:"changes"`
	} `json:"push"`
}

func parseBitbucket(h http.Header, body []byte) (PushEvent, error) {
	kind := strings.TrimSpace(h.Get(bitbucketHeaderEvent))
	if kind != "repo:push" {
		return PushEvent{}, fmt.Errorf("%w: bitbucket %s", errIgnoredEvent, kind)
	}
	var p bitbucketPush
	if err := json.Unmarshal(body, &p); err != nil {
		return PushEvent{}, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if len(p.Push.Changes) == 0 || p.Push.Changes[0].New == nil {
		return PushEvent{}, fmt.Errorf("%w: no new ref", errIgnoredEvent)
	}
	change := p.Push.Changes[0].New
	event := PushEvent{
		Provider:  ProviderBitbucket,
		Event:     kind,
		CommitSHA: change.Target.Hash,
		Actor:     firstNonEmpty(p.Actor.Nickname, p.Actor.DisplayName),
	}
	switch change.Type {
	case "branch":
		event.Branch = strings.TrimSpace(change.Name)
	case "tag":
		event.Tag = strings.TrimSpace(change.Name)
	default:
		return PushEvent{}, fmt.Errorf("%w: bitbucket change type %q", errIgnoredEvent, change.Type)
	}
	if event.Branch == "" && event.Tag == "" {
		return PushEvent{}, fmt.Errorf("%w: empty ref name", errInvalidPayload)
	}
	return event, nil
}

type genericPush struct {
	Ref       string `json:"ref"`
	Branch    string `json:"branch"`
	Tag       string `json:"tag"`
	CommitSHA string `json:"commit_sha"`
	Actor     string `json:"actor"`
}

func parseGeneric(body []byte) (PushEvent, error) {
	var p genericPush
	if err := json.Unmarshal(body, &p); err != nil {
		return PushEvent{}, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	event := PushEvent{Provider: ProviderGeneric, Event: "push", CommitSHA: p.CommitSHA, Actor: p.Actor}
	if strings.TrimSpace(p.Ref) != "" {
		return withRef(event, p.Ref)
	}
	event.Branch = strings.TrimSpace(p.Branch)
	event.Tag = strings.TrimSpace(p.Tag)
	if event.Branch == "" && event.Tag == "" {
		return PushEvent{}, fmt.Errorf("%w: ref, branch or tag is required", errInvalidPayload)
	}
	return event, nil
}

// withRef splits a full git ref into a branch or a tag.
func withRef(event PushEvent, ref string) (PushEvent, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(ref, "refs/tags/"):
		event.Tag = strings.TrimPrefix(ref, "refs/tags/")
	case strings.HasPrefix(ref, "refs/heads/"):
		event.Branch = strings.TrimPrefix(ref, "refs/heads/")
	case ref != "" && !strings.HasPrefix(ref, "refs/"):
		event.Branch = ref
	default:
		return PushEvent{}, fmt.Errorf("%w: unsupported ref %q", errInvalidPayload, ref)
	}
	return event, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
