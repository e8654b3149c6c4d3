package pgpubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type spyLogger struct {
	warnCalls int
}

func (s *spyLogger) Warn(string, ...any)  { s.warnCalls++ }
func (s *spyLogger) Error(string, ...any) {}

func TestCodec_PackUnpackRoundTrip(t *testing.T) {
	c := NewCodec(nil)

	values := []any{
		map[string]any{"a": "b"},
		[]any{1.0, 2.0, 3.0},
		"plain string",
		42.0,
		true,
		nil,
	}

	for _, v := range values {
		packed := c.Pack(v, false)
		unpacked := c.Unpack(packed)
		assert.Equal(t, v, unpacked)
	}
}

func TestCodec_PackNilReturnsLiteralNull(t *testing.T) {
	c := NewCodec(nil)
	assert.Equal(t, "null", c.Pack(nil, false))
}

func TestCodec_PackPretty(t *testing.T) {
	c := NewCodec(nil)
	got := c.Pack(map[string]any{"a": "b"}, true)
	assert.Contains(t, got, "\n")
}

func TestCodec_UnpackNonStringReturnsNil(t *testing.T) {
	c := NewCodec(nil)
	assert.Nil(t, c.Unpack(42))
	assert.Nil(t, c.Unpack(nil))
}

func TestCodec_UnpackMalformedJSONWarnsAndReturnsEmptyObject(t *testing.T) {
	spy := &spyLogger{}
	c := NewCodec(spy)

	got := c.Unpack("{not json")

	assert.Equal(t, map[string]any{}, got)
	assert.Equal(t, 1, spy.warnCalls)
}

func TestCodec_PackUnrepresentableWarnsAndReturnsNull(t *testing.T) {
	spy := &spyLogger{}
	c := NewCodec(spy)

	got := c.Pack(make(chan int), false)

	assert.Equal(t, "null", got)
	assert.Equal(t, 1, spy.warnCalls)
}

func TestCodec_NotifyFormattingExample(t *testing.T) {
	c := NewCodec(nil)
	packed := c.Pack(map[string]any{"a": "b"}, false)
	assert.Equal(t, `{"a":"b"}`, packed)
}
