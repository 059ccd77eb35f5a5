// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loomcrm/syncd/internal/models"
)

// Normalized holds the provider-agnostic fields extracted from one raw
// payload.
type Normalized struct {
	Type         models.InteractionType
	Subject      string
	BodyText     string
	OccurredAt   time.Time
	Participants []string
}

// mailMessage mirrors the relevant fields of a mail provider payload.
type mailMessage struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    struct {
		EmailAddress struct {
			Address string `json:"address"`
			Name    string `json:"name"`
		} `json:"emailAddress"`
	} `json:"from"`
	ToRecipients []struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"toRecipients"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	ReceivedDateTime string `json:"receivedDateTime"`
}

// calendarEvent mirrors the relevant fields of a calendar provider payload.
type calendarEvent struct {
	ID        string `json:"id"`
	Subject   string `json:"subject"`
	Organizer struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"organizer"`
	Attendees []struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"attendees"`
	BodyPreview string `json:"bodyPreview"`
	Start       struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone"`
	} `json:"start"`
}

// Parse converts an opaque provider payload into normalized fields.
// A payload this function cannot make sense of is permanently bad: callers
// skip the record rather than retrying the batch.
func Parse(providerName string, payload json.RawMessage) (*Normalized, error) {
	switch providerName {
	case "mail":
		return parseMail(payload)
	case "calendar":
		return parseCalendar(payload)
	default:
		return nil, fmt.Errorf("no parser for provider %q", providerName)
	}
}

func parseMail(payload json.RawMessage) (*Normalized, error) {
	var msg mailMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode mail payload: %w", err)
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("mail payload missing id")
	}

	participants := make([]string, 0, 1+len(msg.ToRecipients))
	if a := strings.ToLower(strings.TrimSpace(msg.From.EmailAddress.Address)); a != "" {
		participants = append(participants, a)
	}
	for _, r := range msg.ToRecipients {
		if a := strings.ToLower(strings.TrimSpace(r.EmailAddress.Address)); a != "" {
			participants = append(participants, a)
		}
	}

	occurred, err := parseTimestamp(msg.ReceivedDateTime)
	if err != nil {
		return nil, fmt.Errorf("mail payload timestamp: %w", err)
	}

	return &Normalized{
		Type:         models.InteractionEmail,
		Subject:      msg.Subject,
		BodyText:     normalizeBody(msg.Body.Content),
		OccurredAt:   occurred,
		Participants: participants,
	}, nil
}

func parseCalendar(payload json.RawMessage) (*Normalized, error) {
	var ev calendarEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode calendar payload: %w", err)
	}
	if ev.ID == "" {
		return nil, fmt.Errorf("calendar payload missing id")
	}

	participants := make([]string, 0, 1+len(ev.Attendees))
	if a := strings.ToLower(strings.TrimSpace(ev.Organizer.EmailAddress.Address)); a != "" {
		participants = append(participants, a)
	}
	for _, at := range ev.Attendees {
		if a := strings.ToLower(strings.TrimSpace(at.EmailAddress.Address)); a != "" {
			participants = append(participants, a)
		}
	}

	occurred, err := parseTimestamp(ev.Start.DateTime)
	if err != nil {
		return nil, fmt.Errorf("calendar payload timestamp: %w", err)
	}

	return &Normalized{
		Type:         models.InteractionEvent,
		Subject:      ev.Subject,
		BodyText:     normalizeBody(ev.BodyPreview),
		OccurredAt:   occurred,
		Participants: participants,
	}, nil
}

// parseTimestamp accepts RFC3339 with or without an explicit zone suffix,
// the two shapes providers actually send.
func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02T15:04:05", raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// normalizeBody collapses whitespace so the fingerprint is stable across
// formatting-only differences in refetched payloads.
func normalizeBody(body string) string {
	return strings.Join(strings.Fields(body), " ")
}

// Fingerprint computes the content hash used to deduplicate interactions
// across normalization re-runs, independent of generated ids.
func Fingerprint(userID, providerName, sourceID, normalizedBody string) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0x1f})
	h.Write([]byte(providerName))
	h.Write([]byte{0x1f})
	h.Write([]byte(sourceID))
	h.Write([]byte{0x1f})
	h.Write([]byte(normalizedBody))
	return hex.EncodeToString(h.Sum(nil))
}
