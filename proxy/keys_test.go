package proxy

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *LogMonitor {
	return NewLogMonitorWriter(io.Discard)
}

func TestParseKeyString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		baseURL string
		key     string
	}{
		{"bare key", "abc123", DefaultBaseURL, "abc123"},
		{"pipe url first", "http://10.0.0.1:11434|secret", "http://10.0.0.1:11434", "secret"},
		{"pipe key first", "secret|http://10.0.0.1:11434", "http://10.0.0.1:11434", "secret"},
		{"hash separator", "http://host:11434#mykey", "http://host:11434", "mykey"},
		{"trailing path key", "http://host:11434/abcdefghijklmnopqrstuvwx", "http://host:11434", "abcdefghijklmnopqrstuvwx"},
		{"ollama.com keeps api", "https://ollama.com/api|k", "https://ollama.com/api", "k"},
		{"api suffix stripped", "http://host:11434/api#k", "http://host:11434", "k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			baseURL, key, err := ParseKeyString(tt.input, "")
			require.NoError(t, err)
			assert.Equal(t, tt.baseURL, baseURL)
			assert.Equal(t, tt.key, key)
		})
	}

	_, _, err := ParseKeyString("   ", "")
	assert.Error(t, err)
}

func TestNormalizeBaseURL(t *testing.T) {
	assert.Equal(t, "http://host:11434", NormalizeBaseURL("http://host:11434/"))
	assert.Equal(t, "http://host:11434", NormalizeBaseURL("http://host:11434/api"))
	assert.Equal(t, "http://host:11434", NormalizeBaseURL("http://host:11434/api/"))
	assert.Equal(t, "https://ollama.com/api", NormalizeBaseURL("https://ollama.com"))
	assert.Equal(t, "https://ollama.com/api", NormalizeBaseURL("https://ollama.com/api"))
}

func TestBuildAPIURL(t *testing.T) {
	assert.Equal(t, "https://ollama.com/api/chat", BuildAPIURL("https://ollama.com/api", "/chat"))
	assert.Equal(t, "http://host:11434/api/chat", BuildAPIURL("http://host:11434", "/chat"))
}

func TestKeyRegistry_AddAndDedupe(t *testing.T) {
	r := NewKeyRegistry("", nil, testLogger())

	k1, dup, err := r.AddKey("secret1")
	require.NoError(t, err)
	assert.False(t, dup)
	assert.True(t, k1.Enabled)
	assert.True(t, k1.Healthy)

	k2, dup, err := r.AddKey("secret1")
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, k1.ID, k2.ID)
	assert.Equal(t, 1, r.Len())

	// same key on a different base URL is a distinct backend
	_, dup, err = r.AddKey("http://other:11434|secret1")
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, 2, r.Len())
}

func TestKeyRegistry_BatchImport(t *testing.T) {
	r := NewKeyRegistry("", nil, testLogger())
	r.AddKey("already")

	result := r.BatchImport("already\nnew1, new2;new3\n# comment\n\nnew1")
	assert.Len(t, result.Added, 3)
	assert.Len(t, result.Duplicates, 2)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 4, r.Len())
}

func TestKeyRegistry_RoundRobinFairness(t *testing.T) {
	r := NewKeyRegistry("", nil, testLogger())
	r.BatchImport("k1\nk2\nk3")

	seen := map[string]int{}
	for i := 0; i < 9; i++ {
		k := r.NextKey()
		require.NotNil(t, k)
		seen[k.Key]++
	}
	assert.Equal(t, map[string]int{"k1": 3, "k2": 3, "k3": 3}, seen)
}

func TestKeyRegistry_NextKeyFallsBackToUnhealthy(t *testing.T) {
	r := NewKeyRegistry("", nil, testLogger())
	k, _, _ := r.AddKey("only")

	// quarantine it
	for i := 0; i < 10; i++ {
		r.RecordFailure(k.ID, "boom")
	}
	got := r.NextKey()
	require.NotNil(t, got, "unhealthy enabled keys still serve when nothing else can")
	assert.Equal(t, k.ID, got.ID)

	r.ToggleKey(k.ID)
	assert.Nil(t, r.NextKey(), "disabled keys never serve")
}

func TestKeyRegistry_QuarantineRule(t *testing.T) {
	r := NewKeyRegistry("", nil, testLogger())
	k, _, _ := r.AddKey("flaky")

	// 5 failures: not past the minimum yet
	for i := 0; i < 5; i++ {
		r.RecordFailure(k.ID, "err")
	}
	assert.True(t, k.Healthy)

	// 6th failure with ratio 1.0 quarantines
	r.RecordFailure(k.ID, "err")
	assert.False(t, k.Healthy)

	// success resets health
	r.RecordSuccess(k.ID)
	assert.True(t, k.Healthy)
	assert.Empty(t, k.LastError)
}

func TestKeyRegistry_QuarantineNeedsHighRatio(t *testing.T) {
	r := NewKeyRegistry("", nil, testLogger())
	k, _, _ := r.AddKey("mostly-good")

	for i := 0; i < 50; i++ {
		r.RecordSuccess(k.ID)
	}
	for i := 0; i < 10; i++ {
		r.RecordFailure(k.ID, "err")
	}
	assert.True(t, k.Healthy, "10/60 failures is below the quarantine ratio")
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "sk-abc***wxyz", MaskKey("sk-abcdefgh-wxyz"))
	assert.Equal(t, "ab***", MaskKey("abcd"))
	assert.Equal(t, "***", MaskKey("ab"))
	assert.Equal(t, "***", MaskKey(""))
}

func TestKeyRegistry_Summary(t *testing.T) {
	r := NewKeyRegistry("", nil, testLogger())
	a, _, _ := r.AddKey("a-key-1")
	b, _, _ := r.AddKey("b-key-2")
	r.AddKey("c-key-3")

	r.ToggleKey(a.ID)
	for i := 0; i < 10; i++ {
		r.RecordFailure(b.ID, "down")
	}

	s := r.Summary()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Enabled)
	assert.Equal(t, 1, s.Disabled)
	assert.Equal(t, 1, s.Healthy)
	assert.Equal(t, 1, s.Unhealthy)
}

func TestKeyRegistry_Persistence(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, testLogger())
	require.NoError(t, err)

	r := NewKeyRegistry("", store, testLogger())
	r.BatchImport("p1\np2")
	store.Flush()

	store2, err := NewFileStore(dir, testLogger())
	require.NoError(t, err)
	r2 := NewKeyRegistry("", store2, testLogger())
	assert.Equal(t, 2, r2.Len())

	masked := r2.AllKeys()
	require.Len(t, masked, 2)
	assert.Equal(t, "***", masked[0].Key[len(masked[0].Key)-3:])
}
