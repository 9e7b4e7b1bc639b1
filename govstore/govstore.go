// Package govstore persists a governance event chain to Postgres: one row
// per envelope, append-only, ordered by a monotonic sequence column so a
// stream replays back in exactly the order it was appended.
package govstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nooterra/nooterra-sub010/eventchain"
)

// PostgresGovernanceLog is a Postgres-backed append-only store for
// eventchain.Envelope values belonging to the governance stream (or any
// other event stream a caller chooses to persist the same way).
type PostgresGovernanceLog struct {
	db *sql.DB
}

// NewPostgresGovernanceLog returns a PostgresGovernanceLog and ensures the
// backing table exists.
func NewPostgresGovernanceLog(db *sql.DB) (*PostgresGovernanceLog, error) {
	l := &PostgresGovernanceLog{db: db}
	if err := l.ensureTable(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *PostgresGovernanceLog) ensureTable() error {
	const q = `
CREATE TABLE IF NOT EXISTS governance_events (
  seq              bigserial PRIMARY KEY,
  stream_id        text NOT NULL,
  event_id         text NOT NULL,
  event_type       text NOT NULL,
  at               timestamptz NOT NULL,
  actor            text NOT NULL DEFAULT '',
  payload          jsonb NOT NULL,
  payload_hash     text NOT NULL,
  prev_chain_hash  text,
  chain_hash       text NOT NULL,
  signature        text NOT NULL,
  signer_key_id    text NOT NULL,
  UNIQUE (stream_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_governance_events_stream_seq ON governance_events (stream_id, seq);
`
	_, err := l.db.Exec(q)
	return err
}

// Append persists env, preserving append order via seq. It is the caller's
// responsibility to have already produced env through eventchain.Chain.Append
// so payloadHash/chainHash/signature are already finalized; this store does
// not recompute them.
func (l *PostgresGovernanceLog) Append(ctx context.Context, env *eventchain.Envelope) error {
	payloadJSON, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("govstore: marshal payload: %w", err)
	}

	var prevChainHash sql.NullString
	if env.PrevChainHash != nil {
		prevChainHash = sql.NullString{String: *env.PrevChainHash, Valid: true}
	}

	const q = `
INSERT INTO governance_events
  (stream_id, event_id, event_type, at, actor, payload, payload_hash, prev_chain_hash, chain_hash, signature, signer_key_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`
	_, err = l.db.ExecContext(ctx, q,
		env.StreamID,
		env.ID,
		env.Type,
		env.At.UTC(),
		env.Actor,
		payloadJSON,
		env.PayloadHash,
		prevChainHash,
		env.ChainHash,
		base64.StdEncoding.EncodeToString(env.Signature),
		env.SignerKeyID,
	)
	if err != nil {
		return fmt.Errorf("govstore: insert governance event: %w", err)
	}
	return nil
}

// ListByStream returns every envelope appended to streamID, in append order.
func (l *PostgresGovernanceLog) ListByStream(ctx context.Context, streamID string) ([]*eventchain.Envelope, error) {
	const q = `
SELECT event_id, event_type, at, actor, payload, payload_hash, prev_chain_hash, chain_hash, signature, signer_key_id
FROM governance_events
WHERE stream_id = $1
ORDER BY seq ASC
`
	rows, err := l.db.QueryContext(ctx, q, streamID)
	if err != nil {
		return nil, fmt.Errorf("govstore: query governance events: %w", err)
	}
	defer rows.Close()

	var out []*eventchain.Envelope
	for rows.Next() {
		var (
			id, eventType, actor, payloadHash, chainHash, signatureB64, signerKeyID string
			at                                                                      time.Time
			payloadBytes                                                           []byte
			prevChainHash                                                          sql.NullString
		)
		if err := rows.Scan(&id, &eventType, &at, &actor, &payloadBytes, &payloadHash, &prevChainHash, &chainHash, &signatureB64, &signerKeyID); err != nil {
			return nil, fmt.Errorf("govstore: scan governance event: %w", err)
		}

		var payload interface{}
		if len(payloadBytes) > 0 {
			if err := json.Unmarshal(payloadBytes, &payload); err != nil {
				return nil, fmt.Errorf("govstore: unmarshal payload for event %s: %w", id, err)
			}
		}

		sig, err := base64.StdEncoding.DecodeString(signatureB64)
		if err != nil {
			return nil, fmt.Errorf("govstore: decode signature for event %s: %w", id, err)
		}

		var prev *string
		if prevChainHash.Valid {
			v := prevChainHash.String
			prev = &v
		}

		out = append(out, &eventchain.Envelope{
			V:             1,
			ID:            id,
			StreamID:      streamID,
			Type:          eventType,
			At:            at,
			Actor:         actor,
			Payload:       payload,
			PayloadHash:   payloadHash,
			PrevChainHash: prev,
			ChainHash:     chainHash,
			Signature:     sig,
			SignerKeyID:   signerKeyID,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("govstore: rows error: %w", err)
	}
	return out, nil
}
