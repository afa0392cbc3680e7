package apiclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authenticated(t *testing.T, payload string) *Client {
	t.Helper()
	c := New(&fakeRelay{token: validToken(payload)}, nil)
	require.NoError(t, c.Login(context.Background(), "X-API-KEY", "s.1"))
	return c
}

func TestNewPolicy(t *testing.T) {
	p, err := NewPolicy("", nil)
	require.NoError(t, err)
	assert.Equal(t, ModeDomain, p.Mode())

	p, err = NewPolicy(" Address ", nil)
	require.NoError(t, err)
	assert.Equal(t, ModeAddress, p.Mode())

	_, err = NewPolicy("mailbox", nil)
	assert.Error(t, err)
}

func TestPolicy_Allow(t *testing.T) {
	client := authenticated(t, `{"domain":["example.com","corp.io"]}`)

	tests := []struct {
		name    string
		mode    string
		senders []string
		from    string
		want    bool
	}{
		{"domain claim", ModeDomain, nil, "alice@example.com", true},
		{"domain claim case", ModeDomain, nil, "Alice@EXAMPLE.COM", true},
		{"unclaimed domain", ModeDomain, nil, "alice@other.com", false},
		{"no at sign", ModeDomain, nil, "alice", false},
		{"subdomain not claimed", ModeDomain, nil, "a@mail.example.com", false},
		{"allowlist match", ModeDomain, []string{"example.com"}, "a@example.com", true},
		{"allowlist miss", ModeDomain, []string{"example.com"}, "a@corp.io", false},
		{"allowlist without claim", ModeDomain, []string{"other.com"}, "a@other.com", false},
		{"address mode claim", ModeAddress, nil, "bob@corp.io", true},
		{"address mode exact entry", ModeAddress, []string{"bob@corp.io"}, "BOB@corp.io", true},
		{"address mode other address", ModeAddress, []string{"bob@corp.io"}, "eve@corp.io", false},
		{"address mode domain entry", ModeAddress, []string{"corp.io"}, "eve@corp.io", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPolicy(tt.mode, tt.senders)
			require.NoError(t, err)

			ok, err := p.Allow(client, tt.from)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestPolicy_AllowUnauthenticated(t *testing.T) {
	p, err := NewPolicy(ModeDomain, nil)
	require.NoError(t, err)

	_, err = p.Allow(New(&fakeRelay{}, nil), "a@example.com")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}
