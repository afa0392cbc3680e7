package backend

import (
	"context"
	"time"

	"github.com/sendlix/smtp-relay/helpers"
	"github.com/sendlix/smtp-relay/logger"
)

// TestToken is issued by TestClient. Its payload is {"domain": "example.com"}
// and it carries no signature.
const TestToken = ".eyAiZG9tYWluIjogImV4YW1wbGUuY29tIiB9."

// TestClient accepts any API key and logs messages instead of delivering them.
type TestClient struct {
	now func() time.Time
}

func NewTestClient() *TestClient {
	return &TestClient{now: time.Now}
}

func (c *TestClient) Login(_ context.Context, keyID int64, _ string) (Token, error) {
	logger.Info("Backend: test mode login", "key_id", keyID)
	return Token{Value: TestToken, Expires: c.now().Add(time.Hour)}, nil
}

func (c *TestClient) SendMessage(_ context.Context, msg Message) error {
	summary, err := helpers.SummarizeMessage(msg.Raw)
	if err != nil {
		logger.Warn("Backend: test mode received unparsable message", "size", len(msg.Raw), "error", err)
		return nil
	}
	logger.Info("Backend: test mode message", "message_id", summary.MessageID, "from", summary.From,
		"subject", summary.Subject, "size", summary.Size, "category", msg.Category)
	return nil
}

func (c *TestClient) Close() error {
	return nil
}
