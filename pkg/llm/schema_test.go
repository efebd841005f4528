package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "bare object", raw: `{"a":1}`, want: `{"a":1}`},
		{name: "fenced json", raw: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "plain fence", raw: "```\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "prose around object", raw: `Sure! {"a":1} hope that helps`, want: `{"a":1}`},
		{name: "nested objects", raw: `{"a":{"b":2}}`, want: `{"a":{"b":2}}`},
		{name: "braces inside strings", raw: `{"a":"}{"}`, want: `{"a":"}{"}`},
		{name: "escaped quotes", raw: `{"a":"say \"hi\""}`, want: `{"a":"say \"hi\""}`},
		{name: "no object", raw: "nothing here", wantErr: true},
		{name: "unbalanced", raw: `{"a":1`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeSelection(t *testing.T) {
	t.Run("valid reply", func(t *testing.T) {
		sel, err := DecodeSelection(`{"choice_id":"c_study","use_fallback":false,"confidence":0.9,"intent_id":null,"notes":null}`)
		require.NoError(t, err)
		require.NotNil(t, sel.ChoiceID)
		assert.Equal(t, "c_study", *sel.ChoiceID)
		assert.False(t, sel.UseFallback)
		assert.InDelta(t, 0.9, sel.Confidence, 0.001)
	})

	t.Run("fallback reply with nulls", func(t *testing.T) {
		sel, err := DecodeSelection(`{"choice_id":null,"use_fallback":true,"confidence":0.2,"notes":"NO_MATCH"}`)
		require.NoError(t, err)
		assert.Nil(t, sel.ChoiceID)
		assert.True(t, sel.UseFallback)
		require.NotNil(t, sel.Notes)
		assert.Equal(t, "NO_MATCH", *sel.Notes)
	})

	t.Run("missing required key fails schema validation", func(t *testing.T) {
		_, err := DecodeSelection(`{"choice_id":"c_study"}`)
		var pe *ParseError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, KindSchemaValidate, pe.Kind)
	})

	t.Run("confidence out of range fails", func(t *testing.T) {
		_, err := DecodeSelection(`{"choice_id":null,"use_fallback":true,"confidence":1.5}`)
		var pe *ParseError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, KindSchemaValidate, pe.Kind)
	})

	t.Run("non-JSON reply fails parse", func(t *testing.T) {
		_, err := DecodeSelection("I would pick the study option.")
		var pe *ParseError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, KindJSONParse, pe.Kind)
	})
}

func TestDecodeNarrative(t *testing.T) {
	t.Run("valid reply", func(t *testing.T) {
		n, err := DecodeNarrative(`{"narrative_text":"You open the book."}`)
		require.NoError(t, err)
		assert.Equal(t, "You open the book.", n.NarrativeText)
	})

	t.Run("empty narrative fails validation", func(t *testing.T) {
		_, err := DecodeNarrative(`{"narrative_text":""}`)
		var pe *ParseError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, KindSchemaValidate, pe.Kind)
	})

	t.Run("raw snippet in error is redacted", func(t *testing.T) {
		_, err := DecodeNarrative(`broken sk-abcdefghijklmnop reply`)
		var pe *ParseError
		require.ErrorAs(t, err, &pe)
		assert.NotContains(t, pe.Raw, "sk-abcdefghijklmnop")
		assert.Contains(t, pe.Raw, "[REDACTED_KEY]")
	})
}

func TestParseErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	pe := &ParseError{Kind: KindJSONParse, Err: inner}
	assert.ErrorIs(t, pe, inner)
}
