// Package session persists the pairing/auth material of the messaging
// connection in two tiers: a local sqlite snapshot and a redis copy that
// survives redeploys on ephemeral disks.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"
)

// Credentials maps a blob name to its content. Blobs are JSON documents
// produced by the messaging bridge; the core never looks inside them.
type Credentials map[string][]byte

// Clean returns a copy without empty or non-JSON blobs, logging each one
// that was skipped.
func (c Credentials) Clean() Credentials {
	out := make(Credentials, len(c))
	for name, blob := range c {
		switch {
		case len(bytes.TrimSpace(blob)) == 0:
			logrus.WithField("blob", name).Warn("empty session blob ignored")
		case !json.Valid(blob):
			logrus.WithField("blob", name).Warn("invalid session blob ignored")
		default:
			out[name] = blob
		}
	}
	return out
}

type Tier interface {
	Load(ctx context.Context) (Credentials, error)
	Save(ctx context.Context, creds Credentials) error
	Clear(ctx context.Context) error
}

// Store combines the local and durable tiers.
type Store struct {
	local   Tier
	durable Tier
	log     *logrus.Entry
}

func NewStore(local, durable Tier) *Store {
	return &Store{local: local, durable: durable, log: logrus.WithField("component", "session")}
}

// Load restores credentials. Entries from the durable copy override the
// local snapshot, and the merged result is written back locally.
func (s *Store) Load(ctx context.Context) (Credentials, error) {
	merged := Credentials{}

	local, lerr := s.local.Load(ctx)
	if lerr != nil {
		s.log.WithError(lerr).Warn("failed to read local session snapshot")
	}
	for k, v := range local {
		merged[k] = v
	}

	durable, derr := s.durable.Load(ctx)
	if derr != nil {
		s.log.WithError(derr).Error("failed to read session from durable cache")
	}
	for k, v := range durable.Clean() {
		merged[k] = v
	}

	if lerr != nil && derr != nil {
		return nil, errors.Join(lerr, derr)
	}

	if len(durable) > 0 {
		if err := s.local.Save(ctx, merged); err != nil {
			s.log.WithError(err).Warn("failed to refresh local session snapshot")
		}
	}
	return merged, nil
}

// Save writes the cleaned credentials to both tiers. A failure in one tier
// does not prevent the write to the other.
func (s *Store) Save(ctx context.Context, creds Credentials) error {
	clean := creds.Clean()
	return errors.Join(s.local.Save(ctx, clean), s.durable.Save(ctx, clean))
}

// Clear removes all credentials. Only an explicit logout should call it.
func (s *Store) Clear(ctx context.Context) error {
	return errors.Join(s.local.Clear(ctx), s.durable.Clear(ctx))
}
