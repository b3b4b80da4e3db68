package mailparse

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = "From: bob@example.com\r\n" +
	"To: alice@localhost\r\n" +
	"Subject: hello\r\n" +
	"Message-Id: <abc.123@example.com>\r\n" +
	"\r\n" +
	"hi alice\r\n"

func TestMessageID(t *testing.T) {
	assert.Equal(t, "abc.123@example.com", MessageID([]byte(sample), "localhost"))

	noID := "From: bob@example.com\r\nSubject: x\r\n\r\nbody\r\n"
	generated := MessageID([]byte(noID), "localhost")
	assert.True(t, strings.HasSuffix(generated, "@localhost"), generated)

	other := MessageID([]byte(noID), "localhost")
	assert.NotEqual(t, generated, other)

	garbage := MessageID([]byte("X"), "mail.test")
	assert.True(t, strings.HasSuffix(garbage, "@mail.test"), garbage)
}

func TestHeaderBlock(t *testing.T) {
	block := HeaderBlock([]byte(sample))
	assert.True(t, bytes.HasSuffix(block, []byte("Message-Id: <abc.123@example.com>\r\n")))
	assert.NotContains(t, string(block), "hi alice")

	assert.Equal(t, []byte("A: b\n"), HeaderBlock([]byte("A: b\n\nbody")))
	assert.Equal(t, []byte("no separator"), HeaderBlock([]byte("no separator")))
}

func TestBounceCompose(t *testing.T) {
	date := time.Date(2024, 3, 10, 8, 30, 0, 0, time.UTC)
	raw, err := Bounce{
		Host:       "localhost",
		Sender:     "alice@localhost",
		Recipients: []string{"bob@example.com"},
		Reason:     "550 5.1.1 mailbox unavailable",
		Original:   []byte(sample),
		Date:       date,
	}.Compose()
	require.NoError(t, err)

	entity, err := message.Read(bytes.NewReader(raw))
	require.NoError(t, err)

	h := mail.Header{Header: entity.Header}
	subject, err := h.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Undelivered Mail Returned to Sender", subject)

	to, err := h.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "alice@localhost", to[0].Address)

	from, err := h.AddressList("From")
	require.NoError(t, err)
	assert.Equal(t, "MAILER-DAEMON@localhost", from[0].Address)

	got, err := h.Date()
	require.NoError(t, err)
	assert.True(t, date.Equal(got))

	replyTo, err := h.MsgIDList("In-Reply-To")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc.123@example.com"}, replyTo)
	assert.Equal(t, "auto-replied", h.Get("Auto-Submitted"))

	mr := entity.MultipartReader()
	require.NotNil(t, mr)

	part, err := mr.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "<bob@example.com>")
	assert.Contains(t, string(body), "550 5.1.1 mailbox unavailable")

	part, err = mr.NextPart()
	require.NoError(t, err)
	mediaType, _, err := part.Header.ContentType()
	require.NoError(t, err)
	assert.Equal(t, "text/rfc822-headers", mediaType)
	body, err = io.ReadAll(part.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Subject: hello")

	_, err = mr.NextPart()
	assert.Equal(t, io.EOF, err)
}
