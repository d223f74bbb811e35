package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHintMapTotalAndClone(t *testing.T) {
	m := HintMap{"a": 2, "b": 3}
	assert.Equal(t, 5, m.Total())

	c := m.Clone()
	c["a"] = 9
	assert.Equal(t, 2, m["a"])
	assert.Equal(t, HintMap{}, HintMap(nil).Clone())
}

func TestBlockIDString(t *testing.T) {
	assert.Equal(t, "42", BlockID(42).String())
}

func TestPairKey(t *testing.T) {
	solo := AdjacencyFact{Block: "aaaaaaaaaaa", Hints: []string{"x"}}
	assert.True(t, solo.Key().Singleton())

	pair := AdjacencyFact{Block: "aaaaaaaaaaa", Neighbor: "bbbbbbbbbbb", Reversed: true}
	assert.False(t, pair.Key().Singleton())
	assert.Equal(t, PairKey{Block: "aaaaaaaaaaa", Neighbor: "bbbbbbbbbbb", Reversed: true}, pair.Key())
}

func TestDocumentValidate(t *testing.T) {
	assert.NoError(t, SummaryDoc(Summary{ID: "1"}).Validate())
	assert.NoError(t, RelatedDoc(RelatedBlock{ID: "1~0"}).Validate())
	assert.NoError(t, DetailDoc(HintDetail{ID: "1"}).Validate())

	assert.Error(t, Document{}.Validate(), "no payload")
	assert.Error(t, Document{Kind: KindRelated, Summary: &Summary{ID: "1"}}.Validate(), "kind mismatch")
	assert.Error(t, SummaryDoc(Summary{}).Validate(), "empty id")
	assert.Error(t, Document{Kind: KindSummary, Summary: &Summary{ID: "1"}, Detail: &HintDetail{ID: "1"}}.Validate())
}

func TestDocumentJSON(t *testing.T) {
	doc := RelatedDoc(RelatedBlock{ID: "3~1", Preceding: true, Block: 7, Count: 4, HintMap: HintMap{"pet": 4}})
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "related", flat["type"])
	assert.Equal(t, "3~1", flat["_id"])
	assert.Equal(t, true, flat["preceding"])

	var back Document
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, doc, back)
}

func TestDocumentJSONIgnoresRevision(t *testing.T) {
	var d Document
	require.NoError(t, json.Unmarshal([]byte(`{"type":"summary","_id":"5","_rev":"1-abc","count":3}`), &d))
	assert.Equal(t, SummaryDoc(Summary{ID: "5", Count: 3}), d)

	assert.Error(t, json.Unmarshal([]byte(`{"_id":"5"}`), &d))
	assert.Error(t, json.Unmarshal([]byte(`{"type":"nope"}`), &d))
	_, err := json.Marshal(Document{Kind: "nope"})
	assert.Error(t, err)
}
