package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescriptionStripsActiveContent(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "script tag removed",
			input: `<p>A nice model<script>alert(1)</script></p>`,
			want:  `<p>A nice model</p>`,
		},
		{
			name:  "event handler removed",
			input: `<p onclick="steal()">Click me</p>`,
			want:  `<p>Click me</p>`,
		},
		{
			name:  "javascript link neutralised",
			input: `<a href="javascript:alert(1)">link</a>`,
			want:  `link`,
		},
		{
			name:  "benign formatting kept",
			input: `<p>Use with <strong>weight 0.8</strong></p><ul><li>one</li></ul>`,
			want:  `<p>Use with <strong>weight 0.8</strong></p><ul><li>one</li></ul>`,
		},
		{
			name:  "iframe removed",
			input: `before<iframe src="https://evil.example"></iframe>after`,
			want:  `beforeafter`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Description(tc.input))
		})
	}
}

func TestDescriptionKeepsHttpsLinks(t *testing.T) {
	got := Description(`<a href="https://civitai.com/models/1">model</a>`)
	assert.Contains(t, got, `href="https://civitai.com/models/1"`)
}

func TestPlainText(t *testing.T) {
	input := `<p>First paragraph</p><p>Second   with <b>bold</b></p><script>alert(1)</script>`
	got := PlainText(input)
	assert.Equal(t, "First paragraph\nSecond with bold", got)
	assert.NotContains(t, got, "alert")
}

func TestPlainTextUnescapesEntities(t *testing.T) {
	assert.Equal(t, `"A & B" <tag>`, PlainText(`&#34;A &amp; B&#34; &lt;tag&gt;`))
}
