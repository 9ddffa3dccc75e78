// Package redis provides Redis-backed implementations of the session store
// and throttle ledger, for deployments that want passcode state to survive
// a single-process restart or be shared behind a load balancer.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"otp-service/internal/client"
	"otp-service/internal/otp"
	"otp-service/internal/util"
)

const (
	sessionPrefix  = "otp:session:"
	sessionIndex   = "otp:sessions:by_expiry"
	throttlePrefix = "otp:throttle:"

	// Session keys outlive their logical expiry by this much so the sweep
	// can still read the identifier before deleting.
	sessionTTLGrace = 10 * time.Minute

	opTimeout      = 5 * time.Second
	maxUpdateRetry = 5
)

// sessionRecord is the wire form of otp.Session.
type sessionRecord struct {
	ID             string    `json:"id"`
	Identifier     string    `json:"identifier"`
	Channel        string    `json:"channel"`
	CredentialHash []byte    `json:"credential_hash"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	AttemptCount   int       `json:"attempt_count"`
	MaxAttempts    int       `json:"max_attempts"`
}

func toRecord(s *otp.Session) sessionRecord {
	return sessionRecord{
		ID:             s.ID,
		Identifier:     s.Identifier,
		Channel:        string(s.Channel),
		CredentialHash: s.CredentialHash,
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
		AttemptCount:   s.AttemptCount,
		MaxAttempts:    s.MaxAttempts,
	}
}

func (r sessionRecord) toSession() *otp.Session {
	return &otp.Session{
		ID:             r.ID,
		Identifier:     r.Identifier,
		Channel:        otp.Channel(r.Channel),
		CredentialHash: r.CredentialHash,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
		AttemptCount:   r.AttemptCount,
		MaxAttempts:    r.MaxAttempts,
	}
}

// SessionStore implements otp.Store on Redis. Atomic updates use WATCH-based
// optimistic transactions; an expiry-sorted index backs the sweep.
type SessionStore struct {
	client *client.RedisClient
}

func NewSessionStore(client *client.RedisClient) *SessionStore {
	return &SessionStore{client: client}
}

func (s *SessionStore) Put(ctx context.Context, session *otp.Session) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := json.Marshal(toRecord(session))
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	key := sessionPrefix + session.ID
	ttl := session.ExpiresAt.Sub(session.CreatedAt) + sessionTTLGrace

	if err := s.client.Set(ctx, key, data, ttl); err != nil {
		util.Error("failed to store session", zap.String("session_id", session.ID), zap.Error(err))
		return fmt.Errorf("failed to store session: %w", err)
	}

	score := float64(session.ExpiresAt.Unix())
	if err := s.client.ZAdd(ctx, sessionIndex, score, session.ID); err != nil {
		_ = s.client.Del(ctx, key)
		return fmt.Errorf("failed to index session expiry: %w", err)
	}

	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*otp.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, sessionPrefix+id)
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, otp.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var record sessionRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return record.toSession(), nil
}

func (s *SessionStore) Update(ctx context.Context, id string, mutate func(*otp.Session) error) (*otp.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := sessionPrefix + id
	var updated *otp.Session

	txn := func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return otp.ErrSessionNotFound
			}
			return err
		}

		var record sessionRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}

		session := record.toSession()
		if err := mutate(session); err != nil {
			return err
		}

		out, err := json.Marshal(toRecord(session))
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		ttl := session.ExpiresAt.Sub(session.CreatedAt) + sessionTTLGrace
		score := float64(session.ExpiresAt.Unix())

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, out, ttl)
			pipe.ZAdd(ctx, sessionIndex, goredis.Z{Score: score, Member: id})
			return nil
		})
		if err != nil {
			return err
		}

		updated = session
		return nil
	}

	for i := 0; i < maxUpdateRetry; i++ {
		err := s.client.Client.Watch(ctx, txn, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue // key changed under us, retry
		}
		return nil, err
	}

	return nil, fmt.Errorf("session update contention on %s: too many retries", id)
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, sessionPrefix+id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := s.client.ZRem(ctx, sessionIndex, id); err != nil {
		return fmt.Errorf("failed to unindex session: %w", err)
	}
	return nil
}

func (s *SessionStore) SweepExpired(ctx context.Context, now time.Time) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	max := strconv.FormatInt(now.Unix(), 10)
	ids, err := s.client.ZRangeByScore(ctx, sessionIndex, "-inf", "("+max)
	if err != nil {
		return nil, fmt.Errorf("failed to scan expiry index: %w", err)
	}

	var identifiers []string
	for _, id := range ids {
		// Read before delete so the caller can retire the throttle entry.
		session, err := s.Get(ctx, id)
		if err == nil && session.Expired(now) {
			identifiers = append(identifiers, session.Identifier)
		} else if err == nil {
			// Superseded since it was indexed; keep the live record.
			continue
		}

		if err := s.Delete(ctx, id); err != nil {
			util.Error("failed to sweep session", zap.String("session_id", id), zap.Error(err))
		}
	}

	return identifiers, nil
}
