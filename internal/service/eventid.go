package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"postingrelay/internal/config"
	v1 "postingrelay/pkg/api/v1"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// EventIDGenerator derives the dedup key of an inbound event.
//
// In deterministic mode the id is "<eventType>-<transactionId>", so a
// redelivered message maps onto the row its first delivery wrote. Random mode
// appends eight hex characters per call and keeps only the payload hash as a
// working dedup key; it exists for compatibility with ids already stored by
// earlier deployments.
type EventIDGenerator struct {
	random bool
	suffix func() string
}

func NewEventIDGenerator(mode string) *EventIDGenerator {
	return &EventIDGenerator{
		random: mode == config.EventIDRandom,
		suffix: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		},
	}
}

func (g *EventIDGenerator) Generate(eventType string, transactionID int64) string {
	id := eventType + "-" + strconv.FormatInt(transactionID, 10)
	if g.random {
		id += "-" + g.suffix()
	}
	return id
}

// PayloadHash is the hex SHA-256 of the event re-encoded with a fixed field
// order, so whitespace and key order in the original body do not matter.
func PayloadHash(event *v1.TransactionAuthorizedEvent) (string, error) {
	canonical, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("encode canonical payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
