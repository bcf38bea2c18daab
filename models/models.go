package models

import (
	"fmt"
	"time"
)

// TimestampLayout is the ISO-8601 layout used for Response timestamps.
const TimestampLayout = time.RFC3339Nano

// ValidationError reports a record that does not satisfy its shape constraints.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// Answer is the scraped answer body and the links it cites.
type Answer struct {
	Text      string   `json:"text"`
	Citations []string `json:"citations"`
}

// NewAnswer builds a validated Answer. A nil citation list is stored as empty.
func NewAnswer(text string, citations []string) (Answer, error) {
	if citations == nil {
		citations = []string{}
	}
	a := Answer{Text: text, Citations: citations}
	if err := a.Validate(); err != nil {
		return Answer{}, err
	}
	return a, nil
}

func (a Answer) Validate() error {
	if len(a.Text) < 1 {
		return ValidationError{Field: "answer.text", Reason: "must not be empty"}
	}
	return nil
}

// Response is one persisted query interaction.
type Response struct {
	Query     string `json:"query"`
	Answer    Answer `json:"answer"`
	Timestamp string `json:"timestamp"`
}

// NewResponse builds a validated Response stamped with at, or the current time
// when at is zero.
func NewResponse(query string, answer Answer, at time.Time) (Response, error) {
	if at.IsZero() {
		at = time.Now()
	}
	r := Response{
		Query:     query,
		Answer:    answer,
		Timestamp: at.UTC().Format(TimestampLayout),
	}
	if err := r.Validate(); err != nil {
		return Response{}, err
	}
	return r, nil
}

func (r Response) Validate() error {
	if len(r.Query) < 1 {
		return ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if err := r.Answer.Validate(); err != nil {
		return err
	}
	if _, err := time.Parse(TimestampLayout, r.Timestamp); err != nil {
		return ValidationError{Field: "timestamp", Reason: "must be an ISO-8601 timestamp"}
	}
	return nil
}
