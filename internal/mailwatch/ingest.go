// Package mailwatch turns mail-provider push notifications into report
// drafts: it tracks the history cursor, fetches newly added messages,
// filters irrelevant senders, and parses the tagged subject line.
package mailwatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"net/mail"
	"strings"
	"time"

	"reportbot/internal/settings"
	"reportbot/internal/storage"
	logx "reportbot/pkg/logx"
)

// pushEnvelope is the provider's pub/sub push body: {message:{data: base64}}.
type pushEnvelope struct {
	Message struct {
		Data string `json:"data"`
	} `json:"message"`
}

type pushPayload struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

type Ingester struct {
	provider Provider
	settings *settings.Service
	log      logx.Logger
}

func NewIngester(provider Provider, st *settings.Service, log logx.Logger) *Ingester {
	return &Ingester{provider: provider, settings: st, log: log}
}

// Ingest processes one push notification body and returns the report
// drafts for every newly added, relevant, well-tagged message.
//
// The incoming history cursor is persisted before messages are processed,
// so a poison message never wedges ingestion into replaying the same
// backlog. On first run (no stored cursor) the incoming cursor becomes the
// baseline and no backfill happens.
//
// Per-message failures (fetch error, parse error, irrelevant sender,
// missing tags) are logged and skipped; they never fail the batch.
func (in *Ingester) Ingest(ctx context.Context, body []byte) ([]storage.Report, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding push envelope: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding push data: %w", err)
	}
	var p pushPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding push payload: %w", err)
	}

	prev, err := in.settings.Uint64(ctx, settings.KeyLastHistoryID, 0)
	if err != nil {
		return nil, fmt.Errorf("reading history cursor: %w", err)
	}
	if p.HistoryID != 0 && p.HistoryID != prev {
		if err := in.settings.SetPrivate(ctx, settings.KeyLastHistoryID, p.HistoryID); err != nil {
			return nil, fmt.Errorf("storing history cursor: %w", err)
		}
	}
	if prev == 0 {
		in.log.Info("history cursor bootstrapped", logx.Uint64("history_id", p.HistoryID))
		return nil, nil
	}

	ids, err := in.provider.ListAddedMessages(ctx, prev)
	if err != nil {
		return nil, fmt.Errorf("listing history since %d: %w", prev, err)
	}

	onlyFrom, err := in.settings.String(ctx, settings.KeyOnlyMailFrom, "")
	if err != nil {
		return nil, fmt.Errorf("reading sender filter: %w", err)
	}

	drafts := make([]storage.Report, 0, len(ids))
	for _, id := range ids {
		draft, ok := in.processOne(ctx, id, onlyFrom)
		if !ok {
			continue
		}
		drafts = append(drafts, draft)
	}
	return drafts, nil
}

// processOne fetches and parses a single message. A false return means the
// message was skipped; the reason has already been logged.
func (in *Ingester) processOne(ctx context.Context, id, onlyFrom string) (storage.Report, bool) {
	raw, err := in.provider.RawMessage(ctx, id)
	if err != nil {
		in.log.Warn("message fetch failed; skipping", logx.String("id", id), logx.Err(err))
		return storage.Report{}, false
	}

	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		in.log.Warn("message parse failed; skipping", logx.String("id", id), logx.Err(err))
		return storage.Report{}, false
	}

	if onlyFrom != "" && !senderMatches(msg.Header.Get("From"), onlyFrom) {
		in.log.Debug("irrelevant sender; skipping", logx.String("id", id))
		return storage.Report{}, false
	}

	subject := decodeHeader(msg.Header.Get("Subject"))
	tags, errorDesc, ok := ParseSubject(subject)
	if !ok {
		in.log.Debug("subject carries no tags; skipping", logx.String("id", id), logx.String("subject", subject))
		return storage.Report{}, false
	}

	date, err := msg.Header.Date()
	if err != nil {
		date = time.Now()
	}

	return storage.Report{
		ID:        id,
		ErrorDesc: errorDesc,
		Tags:      tags,
		Date:      date,
	}, true
}

// senderMatches compares the message From header against the configured
// filter, tolerating display names ("Ops <ops@plant.example>" matches
// "ops@plant.example").
func senderMatches(fromHeader, want string) bool {
	if fromHeader == want {
		return true
	}
	addr, err := mail.ParseAddress(fromHeader)
	if err != nil {
		return false
	}
	return strings.EqualFold(addr.Address, strings.TrimSpace(want))
}

func decodeHeader(v string) string {
	dec := new(mime.WordDecoder)
	out, err := dec.DecodeHeader(v)
	if err != nil {
		return v
	}
	return out
}
