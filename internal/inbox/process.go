package inbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/haasonsaas/cos/internal/agent"
	"github.com/haasonsaas/cos/internal/graph"
	"github.com/haasonsaas/cos/internal/security"
	"github.com/haasonsaas/cos/pkg/models"
)

// powerChars is the item length from which the power tier is used.
const powerChars = 600

var powerWords = regexp.MustCompile(`(?i)\b(?:plan|strategy|analy[sz]e|analysis|research|compare|draft|proposal|review|prioriti[sz]e|investigate)\b`)

const itemInstructions = "Process this item from my inbox. Tools are read-only here: answer, summarise or suggest next steps, and do not claim to have changed anything."

// Item metric statuses.
const (
	statusProcessed = "processed"
	statusFailed    = "failed"
	statusBusy      = "busy"
	statusGone      = "gone"
)

// process runs one item. Only a successful run moves the block; every
// other outcome leaves it on the inbox page.
func (w *Watcher) process(ctx context.Context, uid string) {
	log := w.logger.With("uid", uid)
	block, err := w.g.PullBlock(ctx, uid)
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			w.count(statusGone)
			return
		}
		log.Warn("inbox item unreadable", "error", err)
		w.count(statusFailed)
		return
	}
	content := strings.TrimSpace(block.String + "\n" + graph.Render(block.Children))
	if content == "" {
		return
	}

	res, err := w.asker.Ask(ctx, models.Request{
		Prompt:                w.prompt(content),
		ReadOnlyTools:         true,
		OfferWriteToDailyPage: false,
		SuppressToasts:        true,
		Background:            true,
		Trigger:               "inbox",
	})
	switch {
	case errors.Is(err, agent.ErrBusy):
		log.Info("inbox item deferred, agent busy")
		w.count(statusBusy)
		return
	case err != nil:
		log.Warn("inbox item failed", "error", err)
		w.count(statusFailed)
		return
	case res == nil || res.Trace == nil || res.Trace.Outcome != models.OutcomeFinish:
		w.count(statusFailed)
		return
	}

	if err := w.file(ctx, uid, res.Text); err != nil {
		log.Warn("inbox answer not filed", "error", err)
		w.count(statusFailed)
		return
	}
	log.Info("inbox item processed", "run_id", res.Trace.RunID, "tier", res.Trace.Tier)
	w.count(statusProcessed)
}

// prompt wraps the item as untrusted content and picks the tier suffix.
func (w *Watcher) prompt(content string) string {
	wrapped := security.WrapUntrustedWithInjectionScan("inbox", content)
	if wrapped.Flagged() {
		w.logger.Warn("possible prompt injection in inbox item", "categories", security.CategoryNames(wrapped.Findings))
		if w.metrics != nil {
			w.metrics.InjectionWarnings.WithLabelValues("inbox").Inc()
		}
	}
	p := itemInstructions + "\n\n" + wrapped.Text
	if len(content) >= powerChars || powerWords.MatchString(content) {
		p += " /power"
	}
	return p
}

// file moves the block under the processed heading on today's daily page
// and appends the answer beneath it.
func (w *Watcher) file(ctx context.Context, uid, answer string) error {
	title := graph.DateTitle(w.now().In(w.loc))
	pageUID, err := graph.EnsurePage(ctx, w.g, title)
	if err != nil {
		return fmt.Errorf("daily page: %w", err)
	}
	page, err := w.g.PullPage(ctx, title)
	if err != nil {
		return fmt.Errorf("daily page: %w", err)
	}
	var headingUID string
	if h := graph.FindChild(page.Children, w.processed); h != nil {
		headingUID = h.UID
	} else if headingUID, err = w.g.CreateBlock(ctx, pageUID, graph.OrderLast, w.processed); err != nil {
		return fmt.Errorf("processed heading: %w", err)
	}
	if err := w.g.MoveBlock(ctx, uid, headingUID, graph.OrderLast); err != nil {
		return fmt.Errorf("move item: %w", err)
	}
	if _, err := w.g.CreateBlock(ctx, uid, graph.OrderLast, strings.TrimSpace(answer)); err != nil {
		return fmt.Errorf("append answer: %w", err)
	}
	return nil
}

func (w *Watcher) count(status string) {
	if w.metrics != nil {
		w.metrics.InboxItems.WithLabelValues(status).Inc()
	}
}
