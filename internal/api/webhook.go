package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/BTCDecoded/governance-app/internal/logging"
	"github.com/BTCDecoded/governance-app/internal/protocol"
	"github.com/BTCDecoded/governance-app/internal/service"
)

const maxWebhookBodyBytes = 5 << 20

// errIgnored marks a delivery that is valid but carries nothing to act on.
var errIgnored = errors.New("event not handled")

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	eventName := strings.TrimSpace(r.Header.Get("X-GitHub-Event"))
	deliveryID := strings.TrimSpace(r.Header.Get("X-GitHub-Delivery"))
	logging.AddField(r.Context(), "op", "webhook")
	logging.AddField(r.Context(), "github_event", eventName)
	if deliveryID != "" {
		logging.AddField(r.Context(), "delivery_id", deliveryID)
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(w, r, service.NewAppError(http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "payload exceeds 5MB limit", false, err))
			return
		}
		h.writeError(w, r, badRequest(err))
		return
	}

	ev, err := decodeEvent(eventName, raw)
	if errors.Is(err, errIgnored) {
		writeJSON(w, http.StatusOK, protocol.WebhookResponse{Status: "ignored", Event: eventName, Detail: err.Error()})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	repo, number := ev.Target()
	logging.AddField(r.Context(), "pr", protocol.PRKey(repo, number))

	resp, err := h.gk.HandleEvent(r.Context(), deliveryID, ev)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "webhook_status", resp.Status)
	if resp.Decision != nil {
		logging.AddField(r.Context(), "verdict", resp.Decision.Verdict)
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeEvent maps a platform payload onto the service's event types. The
// discriminator is the X-GitHub-Event header plus the payload action.
func decodeEvent(name string, raw []byte) (service.Event, error) {
	switch name {
	case "pull_request":
		var p protocol.PullRequestEvent
		if err := unmarshalPayload(raw, &p); err != nil {
			return nil, err
		}
		if err := requireTarget(p.Repository.FullName, p.PullRequest.Number); err != nil {
			return nil, err
		}
		if p.Action == "" {
			return nil, missingField("action")
		}
		return pullRequestEvent(p.Action, p.Repository, p.PullRequest), nil

	case "pull_request_review":
		var p protocol.PullRequestReviewEvent
		if err := unmarshalPayload(raw, &p); err != nil {
			return nil, err
		}
		if p.Action != "submitted" {
			return nil, errIgnored
		}
		if err := requireTarget(p.Repository.FullName, p.PullRequest.Number); err != nil {
			return nil, err
		}
		if p.Review.User.Login == "" {
			return nil, missingField("review.user.login")
		}
		if p.Review.State == "" {
			return nil, missingField("review.state")
		}
		return service.ReviewEvent{
			PullRequest: pullRequestEvent(p.Action, p.Repository, p.PullRequest),
			Reviewer:    p.Review.User.Login,
			State:       p.Review.State,
		}, nil

	case "issue_comment":
		var p protocol.IssueCommentEvent
		if err := unmarshalPayload(raw, &p); err != nil {
			return nil, err
		}
		if p.Action != "created" {
			return nil, errIgnored
		}
		if err := requireTarget(p.Repository.FullName, p.Issue.Number); err != nil {
			return nil, err
		}
		if p.Comment.User.Login == "" {
			return nil, missingField("comment.user.login")
		}
		return service.CommentEvent{
			Repo:      p.Repository.FullName,
			Number:    p.Issue.Number,
			CommentID: p.Comment.ID,
			Commenter: p.Comment.User.Login,
			Body:      p.Comment.Body,
		}, nil

	case "":
		return nil, missingField("X-GitHub-Event header")
	default:
		return nil, errIgnored
	}
}

func pullRequestEvent(action string, repo protocol.Repository, pr protocol.PullRequestBody) service.PullRequestEvent {
	return service.PullRequestEvent{
		Action:       action,
		Repo:         repo.FullName,
		Number:       pr.Number,
		Title:        pr.Title,
		Body:         pr.Body,
		Author:       pr.User.Login,
		HeadSHA:      pr.Head.SHA,
		ChangedPaths: pr.ChangedPaths,
		CreatedAt:    pr.CreatedAt,
		Merged:       pr.Merged,
	}
}

func unmarshalPayload(raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return service.InputError("BAD_REQUEST", fmt.Sprintf("malformed webhook payload: %v", err), err)
	}
	return nil
}

func requireTarget(repo string, number int) error {
	if strings.TrimSpace(repo) == "" {
		return missingField("repository.full_name")
	}
	if err := protocol.ValidateRepo(repo); err != nil {
		return service.InputError("BAD_REQUEST", err.Error(), err)
	}
	if number <= 0 {
		return missingField("number")
	}
	return nil
}

func missingField(field string) error {
	return service.InputError("MISSING_FIELD", field+" is required", nil)
}
