// internal/reqflow/engine.go
//
// Wiki-request approval workflow.
//
// Context
// -------
// New-tenant asks queue up as wiki_request rows and move through a small
// state machine: inreview, onhold, declined, and moredetails are all
// re-enterable, approved is absorbing.  Approval triggers provisioning.
// Every transition appends a comment, a distinct audit action, and a
// distinct notification category; comment fan-out goes to the involved
// users (requester plus past commenters) minus the acting user.
//
// Transition table
// ----------------
//
//	from any open state: approve → approved (+provision)
//	                     decline → declined
//	                     onhold → onhold
//	                     moredetails → moredetails
//	from approved:       every handler is a no-op
//
// Reopening: the requester commenting on a declined/onhold/moredetails
// request, or any edit of an open request, flips the status back to
// inreview and is logged distinctly from a plain edit.
//
// Notes
// -----
//   - Field edits batch into one diff and commit as one UPDATE plus one
//     summarizing audit entry, the same pattern as the wiki mutator.
//   - Locking is orthogonal: it blocks requester edits and comments and
//     every handler action except Unlock.
//   - Oxford commas, two spaces after periods.
package reqflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/wikigrove/farm/internal/config"
	"github.com/wikigrove/farm/internal/metrics"
	"github.com/wikigrove/farm/internal/notify"
	"github.com/wikigrove/farm/internal/provision"
	"github.com/wikigrove/farm/internal/registry"
)

// ErrLocked reports an action on a locked request other than Unlock.
var ErrLocked = errors.New("request is locked")

// ErrEditApproved reports a field edit on an approved request; approved
// requests are immutable.
var ErrEditApproved = errors.New("approved requests cannot be edited")

// Engine drives the request workflow.
type Engine struct {
	cfg      *config.Config
	store    *registry.Store
	prov     *provision.Provisioner
	notifier notify.Notifier

	// EnqueueReview, when set and auto_review is enabled, schedules the
	// secondary automated review of a freshly submitted request.
	EnqueueReview func(requestID int64)
}

// New wires the workflow engine.
func New(cfg *config.Config, store *registry.Store, prov *provision.Provisioner, notifier notify.Notifier) *Engine {
	return &Engine{cfg: cfg, store: store, prov: prov, notifier: notifier}
}

//
// Submission
//

// SubmitParams is the requester's ask.
type SubmitParams struct {
	Subdomain string // dbname stem, suffix appended by the engine
	Sitename  string
	Language  string
	Private   bool
	Category  string
	Reason    string
	Purpose   string
	Bio       bool
	URL       *string
	Requester string
}

// Submit files a new request in `inreview`.  A non-empty userMsg means
// the submission was rejected for a reason the requester must fix.
func (e *Engine) Submit(ctx context.Context, params SubmitParams) (id int64, userMsg string, err error) {
	dbname := params.Subdomain + e.cfg.Farm.Suffix
	if msg := provision.CheckNameSyntax(dbname, e.cfg.Farm.Suffix); msg != "" {
		return 0, msg, nil
	}

	dup, err := e.store.OpenRequestExists(ctx, registry.NormalizeSitename(params.Sitename))
	if err != nil {
		return 0, "", err
	}
	if dup {
		return 0, "A request for a wiki with this name is already open.", nil
	}

	req := &registry.Request{
		DBName:    dbname,
		Sitename:  params.Sitename,
		Language:  params.Language,
		Private:   params.Private,
		Category:  params.Category,
		Reason:    params.Reason,
		Purpose:   params.Purpose,
		Bio:       params.Bio,
		URL:       params.URL,
		Requester: params.Requester,
		Extra:     []byte("{}"),
	}
	id, err = e.store.InsertRequest(ctx, req)
	if err != nil {
		return 0, "", err
	}

	if err := e.store.AppendHistory(ctx, id, "requestnew", params.Requester, params.Reason, false); err != nil {
		zap.S().Errorw("request history append failed", "request", id, "err", err)
	}
	if e.cfg.Farm.AutoReview && e.EnqueueReview != nil {
		e.EnqueueReview(id)
	}
	return id, "", nil
}

//
// Moderator transitions
//

// Approve provisions the wiki and marks the request approved.  Permitted
// from any non-terminal state; a second Approve is a no-op.
func (e *Engine) Approve(ctx context.Context, id int64, actor, comment string) error {
	req, err := e.store.RequestByID(ctx, id)
	if err != nil {
		return err
	}
	if !req.Open() {
		return nil
	}
	if req.Locked {
		return ErrLocked
	}

	extra := map[string]any{}
	userMsg, jobs, err := e.prov.Create(ctx, provision.CreateParams{
		DBName:    req.DBName,
		Sitename:  req.Sitename,
		Language:  req.Language,
		Private:   req.Private,
		Category:  req.Category,
		Requester: req.Requester,
		Actor:     actor,
		Reason:    req.Reason,
		Extra:     extra,
	})
	if err != nil {
		return fmt.Errorf("provision request %d: %w", id, err)
	}
	if userMsg != "" {
		return fmt.Errorf("provision request %d rejected: %s", id, userMsg)
	}

	if err := e.store.UpdateRequestFields(ctx, id, map[string]any{
		"status": registry.StatusApproved,
	}); err != nil {
		return err
	}

	body := comment
	if body == "" {
		body = "Request approved and wiki created."
	}
	e.appendComment(ctx, id, actor, body)
	e.appendHistory(ctx, id, "requestapprove", actor, comment)
	e.fanOut(ctx, id, actor, notify.CategoryRequestApproved,
		fmt.Sprintf("Wiki request #%d approved", id), body)
	metrics.RequestTransitionsTotal.WithLabelValues(registry.StatusApproved).Inc()

	provision.RunDeferred(ctx, req.DBName, jobs)
	return nil
}

// Decline refuses the request.  No-op once approved.
func (e *Engine) Decline(ctx context.Context, id int64, actor, comment string) error {
	return e.moderate(ctx, id, actor, comment,
		registry.StatusDeclined, "requestdecline", notify.CategoryRequestDeclined)
}

// OnHold parks the request.  No-op once approved.
func (e *Engine) OnHold(ctx context.Context, id int64, actor, comment string) error {
	return e.moderate(ctx, id, actor, comment,
		registry.StatusOnHold, "requestonhold", notify.CategoryRequestOnHold)
}

// MoreDetails bounces the request back to the requester.  No-op once
// approved.
func (e *Engine) MoreDetails(ctx context.Context, id int64, actor, comment string) error {
	return e.moderate(ctx, id, actor, comment,
		registry.StatusMoreDetails, "requestmoredetails", notify.CategoryRequestMoreDetails)
}

func (e *Engine) moderate(ctx context.Context, id int64, actor, comment, status, action, category string) error {
	req, err := e.store.RequestByID(ctx, id)
	if err != nil {
		return err
	}
	if !req.Open() {
		return nil // approved is absorbing
	}
	if req.Locked {
		return ErrLocked
	}

	if err := e.store.UpdateRequestFields(ctx, id, map[string]any{"status": status}); err != nil {
		return err
	}
	if comment != "" {
		e.appendComment(ctx, id, actor, comment)
	}
	e.appendHistory(ctx, id, action, actor, comment)
	e.fanOut(ctx, id, actor, category,
		fmt.Sprintf("Wiki request #%d: %s", id, status), comment)
	metrics.RequestTransitionsTotal.WithLabelValues(status).Inc()
	return nil
}

//
// Comments
//

// AddComment appends a comment and fans out the request-comment
// notification.  The requester commenting on a declined, onhold, or
// moredetails request reopens it.
func (e *Engine) AddComment(ctx context.Context, id int64, author, body string) error {
	req, err := e.store.RequestByID(ctx, id)
	if err != nil {
		return err
	}
	if req.Locked {
		return ErrLocked
	}

	if err := e.store.AppendComment(ctx, id, author, body); err != nil {
		return err
	}
	e.fanOut(ctx, id, author, notify.CategoryRequestComment,
		fmt.Sprintf("New comment on wiki request #%d", id), body)

	reopenable := req.Status == registry.StatusDeclined ||
		req.Status == registry.StatusOnHold ||
		req.Status == registry.StatusMoreDetails
	if author == req.Requester && reopenable {
		if err := e.store.UpdateRequestFields(ctx, id, map[string]any{
			"status": registry.StatusInReview,
		}); err != nil {
			return err
		}
		e.appendHistory(ctx, id, "requestreopen", author, "reopened by requester comment")
		metrics.RequestTransitionsTotal.WithLabelValues(registry.StatusInReview).Inc()
	}
	return nil
}

//
// Field edits
//

// Edits batches the editable request fields.  Nil pointers leave a field
// untouched.
type Edits struct {
	Sitename *string
	URL      *string
	Language *string
	Reason   *string
	Category *string
	Private  *bool
	Bio      *bool
}

// Edit applies a batch of field changes as one UPDATE plus one
// summarizing audit entry.  Editing an open request that is not inreview
// reopens it, logged distinctly from a plain edit.
func (e *Engine) Edit(ctx context.Context, id int64, actor string, edits Edits) error {
	req, err := e.store.RequestByID(ctx, id)
	if err != nil {
		return err
	}
	if !req.Open() {
		return ErrEditApproved
	}
	if req.Locked {
		return ErrLocked
	}

	fields := map[string]any{}
	if edits.Sitename != nil && *edits.Sitename != req.Sitename {
		fields["sitename"] = *edits.Sitename
		fields["sitename_norm"] = registry.NormalizeSitename(*edits.Sitename)
	}
	if edits.URL != nil && (req.URL == nil || *edits.URL != *req.URL) {
		fields["url"] = *edits.URL
	}
	if edits.Language != nil && *edits.Language != req.Language {
		fields["language"] = *edits.Language
	}
	if edits.Reason != nil && *edits.Reason != req.Reason {
		fields["reason"] = *edits.Reason
	}
	if edits.Category != nil && *edits.Category != req.Category {
		fields["category"] = *edits.Category
	}
	if edits.Private != nil && *edits.Private != req.Private {
		fields["private"] = *edits.Private
	}
	if edits.Bio != nil && *edits.Bio != req.Bio {
		fields["bio"] = *edits.Bio
	}
	if len(fields) == 0 {
		return nil
	}

	action := "requestedit"
	if req.Status != registry.StatusInReview {
		fields["status"] = registry.StatusInReview
		action = "requestreopen"
	}

	changed := make([]string, 0, len(fields))
	for c := range fields {
		if c != "status" && c != "sitename_norm" {
			changed = append(changed, c)
		}
	}
	sort.Strings(changed)

	if err := e.store.UpdateRequestFields(ctx, id, fields); err != nil {
		return err
	}
	e.appendHistory(ctx, id, action, actor, strings.Join(changed, ", "))
	return nil
}

//
// Visibility and locking
//

// SetVisibility changes who may see the request exists.  Logged to the
// restricted audit trail.
func (e *Engine) SetVisibility(ctx context.Context, id int64, level int, actor string) error {
	if level < registry.VisibilityPublic || level > registry.VisibilitySuppressed {
		return fmt.Errorf("visibility level %d out of range", level)
	}
	req, err := e.store.RequestByID(ctx, id)
	if err != nil {
		return err
	}
	if req.Visibility == level {
		return nil
	}
	if err := e.store.UpdateRequestFields(ctx, id, map[string]any{"visibility": level}); err != nil {
		return err
	}
	e.appendHistoryRestricted(ctx, id, "requestvisibility", actor,
		fmt.Sprintf("%d -> %d", req.Visibility, level))
	return nil
}

// Lock freezes the request against requester edits, comments, and every
// handler action except Unlock.
func (e *Engine) Lock(ctx context.Context, id int64, actor string) error {
	req, err := e.store.RequestByID(ctx, id)
	if err != nil {
		return err
	}
	if req.Locked {
		return nil
	}
	if err := e.store.UpdateRequestFields(ctx, id, map[string]any{"locked": true}); err != nil {
		return err
	}
	e.appendHistory(ctx, id, "requestlock", actor, "")
	return nil
}

// Unlock is the only action permitted on a locked request.
func (e *Engine) Unlock(ctx context.Context, id int64, actor string) error {
	req, err := e.store.RequestByID(ctx, id)
	if err != nil {
		return err
	}
	if !req.Locked {
		return nil
	}
	if err := e.store.UpdateRequestFields(ctx, id, map[string]any{"locked": false}); err != nil {
		return err
	}
	e.appendHistory(ctx, id, "requestunlock", actor, "")
	return nil
}

//
// Helpers
//

func (e *Engine) appendComment(ctx context.Context, id int64, author, body string) {
	if err := e.store.AppendComment(ctx, id, author, body); err != nil {
		zap.S().Errorw("request comment append failed", "request", id, "err", err)
	}
}

func (e *Engine) appendHistory(ctx context.Context, id int64, action, actor, details string) {
	if err := e.store.AppendHistory(ctx, id, action, actor, details, false); err != nil {
		zap.S().Errorw("request history append failed", "request", id, "err", err)
	}
}

func (e *Engine) appendHistoryRestricted(ctx context.Context, id int64, action, actor, details string) {
	if err := e.store.AppendHistory(ctx, id, action, actor, details, true); err != nil {
		zap.S().Errorw("request history append failed", "request", id, "err", err)
	}
}

// fanOut notifies every involved user except the acting one.
func (e *Engine) fanOut(ctx context.Context, id int64, actor, category, subject, body string) {
	users, err := e.store.InvolvedUsers(ctx, id)
	if err != nil {
		zap.S().Errorw("involved-user lookup failed", "request", id, "err", err)
		return
	}
	recipients := users[:0]
	for _, u := range users {
		if u != actor {
			recipients = append(recipients, u)
		}
	}
	if len(recipients) == 0 {
		return
	}
	if err := e.notifier.Send(ctx, notify.Message{
		Category:   category,
		Recipients: recipients,
		Subject:    subject,
		Body:       body,
	}); err != nil {
		zap.S().Errorw("notification send failed", "request", id, "err", err)
	}
}
