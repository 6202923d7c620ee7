package screen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain text untouched",
			in:   "Dear requester,\n\nYour request is denied.",
			want: "Dear requester,\n\nYour request is denied.",
		},
		{
			name: "crlf and trailing space",
			in:   "Line one  \r\nLine two\r\n",
			want: "Line one\nLine two",
		},
		{
			name: "blank line runs collapse",
			in:   "A\n\n\n\n\nB",
			want: "A\n\nB",
		},
		{
			name: "html stripped with breaks",
			in:   "<html><body><p>Fee is <b>$150</b> &amp; due.</p><p>Thanks</p></body></html>",
			want: "Fee is $150 & due.\nThanks",
		},
		{
			name: "br tags become newlines",
			in:   "Records Unit<br>City Hall<br/>Room 4",
			want: "Records Unit\nCity Hall\nRoom 4",
		},
		{
			name: "comparison signs are not markup",
			in:   "Fees < $25 are waived and 3 > 2.",
			want: "Fees < $25 are waived and 3 > 2.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalize_DropsLinksAndAttributes(t *testing.T) {
	out := Normalize(`<p>Use the <a href="https://portal.example.gov" onclick="x()">portal</a>.</p>`)
	assert.Equal(t, "Use the portal.", out)
	assert.NotContains(t, out, "onclick")
}

func TestFence(t *testing.T) {
	tok, err := NewToken()
	require.NoError(t, err)
	assert.Len(t, tok, 32)

	other, err := NewToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)

	fenced := Fence(tok, "agency reply", "hello")
	assert.True(t, strings.HasPrefix(fenced, "[UNTRUSTED-"+tok+":START agency reply]\n"))
	assert.True(t, strings.HasSuffix(fenced, "\n[UNTRUSTED-"+tok+":END]"))
	assert.Contains(t, FenceInstruction(tok), tok)
}
