package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates the three output document shapes.
type Kind string

const (
	KindSummary    Kind = "summary"
	KindRelated    Kind = "related"
	KindHintDetail Kind = "hint_detail"
)

// Summary holds the counts for one block. HintMap carries at most the display
// cap of solo hints; the redaction counters describe what was left out.
type Summary struct {
	ID                  string  `json:"_id" msgpack:"_id"`
	Count               int     `json:"count" msgpack:"count"`
	FollowingBlockCount int     `json:"followingBlockCount" msgpack:"followingBlockCount"`
	PrecedingBlockCount int     `json:"precedingBlockCount" msgpack:"precedingBlockCount"`
	SoloHintCount       int     `json:"soloHintCount" msgpack:"soloHintCount"`
	FollowingHintCount  int     `json:"followingHintCount" msgpack:"followingHintCount"`
	PrecedingHintCount  int     `json:"precedingHintCount" msgpack:"precedingHintCount"`
	HintMap             HintMap `json:"hintMap" msgpack:"hintMap"`
	HintsRedacted       int     `json:"hintsRedacted" msgpack:"hintsRedacted"`
	HintsRedactedUnique int     `json:"hintsRedactedUnique" msgpack:"hintsRedactedUnique"`
}

// RelatedBlock is one ranked neighbor of a block. ID is "<summaryID>~<rank>".
type RelatedBlock struct {
	ID                  string  `json:"_id" msgpack:"_id"`
	Preceding           bool    `json:"preceding" msgpack:"preceding"`
	Block               BlockID `json:"block" msgpack:"block"`
	Count               int     `json:"count" msgpack:"count"`
	HintMap             HintMap `json:"hintMap" msgpack:"hintMap"`
	HintsRedacted       int     `json:"hintsRedacted" msgpack:"hintsRedacted"`
	HintsRedactedUnique int     `json:"hintsRedactedUnique" msgpack:"hintsRedactedUnique"`
}

// HintDetail carries the full hint map of a Summary or RelatedBlock whose map
// was truncated. ID matches the owning document.
type HintDetail struct {
	ID      string  `json:"_id" msgpack:"_id"`
	HintMap HintMap `json:"hintMap" msgpack:"hintMap"`
}

// Document is a tagged variant over the output shapes. Exactly one payload
// pointer is set, selected by Kind.
type Document struct {
	Kind    Kind          `msgpack:"kind"`
	Summary *Summary      `msgpack:"summary,omitempty"`
	Related *RelatedBlock `msgpack:"related,omitempty"`
	Detail  *HintDetail   `msgpack:"detail,omitempty"`
}

// SummaryDoc wraps a Summary.
func SummaryDoc(s Summary) Document {
	return Document{Kind: KindSummary, Summary: &s}
}

// RelatedDoc wraps a RelatedBlock.
func RelatedDoc(r RelatedBlock) Document {
	return Document{Kind: KindRelated, Related: &r}
}

// DetailDoc wraps a HintDetail.
func DetailDoc(d HintDetail) Document {
	return Document{Kind: KindHintDetail, Detail: &d}
}

// ID returns the payload's document id, or "" for an empty document.
func (d Document) ID() string {
	switch d.Kind {
	case KindSummary:
		if d.Summary != nil {
			return d.Summary.ID
		}
	case KindRelated:
		if d.Related != nil {
			return d.Related.ID
		}
	case KindHintDetail:
		if d.Detail != nil {
			return d.Detail.ID
		}
	}
	return ""
}

// Validate reports whether the Kind and payload agree.
func (d Document) Validate() error {
	set := 0
	if d.Summary != nil {
		set++
	}
	if d.Related != nil {
		set++
	}
	if d.Detail != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("document: %d payloads set", set)
	}
	if d.ID() == "" {
		return fmt.Errorf("document: kind %q without matching payload or id", d.Kind)
	}
	return nil
}

// MarshalJSON flattens the payload and adds a "type" discriminant.
func (d Document) MarshalJSON() ([]byte, error) {
	switch d.Kind {
	case KindSummary:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			*Summary
		}{d.Kind, d.Summary})
	case KindRelated:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			*RelatedBlock
		}{d.Kind, d.Related})
	case KindHintDetail:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			*HintDetail
		}{d.Kind, d.Detail})
	}
	return nil, fmt.Errorf("document: unknown kind %q", d.Kind)
}

// UnmarshalJSON reads the "type" discriminant and decodes the payload.
// Unknown fields (such as a store's revision marker) are ignored.
func (d *Document) UnmarshalJSON(data []byte) error {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	switch head.Type {
	case KindSummary:
		var s Summary
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*d = SummaryDoc(s)
	case KindRelated:
		var r RelatedBlock
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		*d = RelatedDoc(r)
	case KindHintDetail:
		var h HintDetail
		if err := json.Unmarshal(data, &h); err != nil {
			return err
		}
		*d = DetailDoc(h)
	case "":
		return errors.New("document: missing type")
	default:
		return fmt.Errorf("document: unknown type %q", head.Type)
	}
	return nil
}
