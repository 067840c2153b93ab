package tts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"school-chatbot/internal/helper"
)

const (
	trustedClientToken = "6A5AA1D4EAFF4E9FB37E23D68491D6F4"
	secMSGECVersion    = "1-130.0.2849.68"
	chromiumVersion    = "130.0.2849.68"

	defaultWSSURL    = "wss://speech.platform.bing.com/consumer/speech/synthesize/readaloud/edge/v1"
	defaultVoicesURL = "https://speech.platform.bing.com/consumer/speech/synthesize/readaloud/voices/list"

	outputFormat = "audio-24khz-48kbitrate-mono-mp3"

	// seconds between 1601-01-01 and 1970-01-01
	windowsEpochOffset = 11644473600
)

var (
	ErrEmptyText = errors.New("tts: text is empty")
	ErrNoAudio   = errors.New("tts: no audio received")
)

// secMSGEC derives the token Edge sends with every request: the Windows
// file time rounded down to five minutes, hashed with the client token.
func secMSGEC(now time.Time) string {
	ticks := now.Unix() + windowsEpochOffset
	ticks -= ticks % 300
	ticks *= 10_000_000 // 100ns intervals
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d%s", ticks, trustedClientToken)))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func edgeHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/"+
		chromiumVersion+" Safari/537.36 Edg/"+chromiumVersion)
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Pragma", "no-cache")
	h.Set("Cache-Control", "no-cache")
	h.Set("Origin", "chrome-extension://jdiccldimpdaibmpdkjnbmckianbfold")
	return h
}

// timestamp is the JavaScript Date.toString() form the service expects.
func timestamp(now time.Time) string {
	return now.UTC().Format("Mon Jan 02 2006 15:04:05 GMT+0000 (Coordinated Universal Time)")
}

func (c *Client) synthesisURL() (string, error) {
	u, err := url.Parse(c.wssURL)
	if err != nil {
		return "", fmt.Errorf("invalid tts endpoint: %w", err)
	}
	q := u.Query()
	q.Set("TrustedClientToken", trustedClientToken)
	q.Set("ConnectionId", helper.GenerateHexID())
	q.Set("Sec-MS-GEC", secMSGEC(c.now()))
	q.Set("Sec-MS-GEC-Version", secMSGECVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func speechConfigMessage(now time.Time) string {
	return "X-Timestamp:" + timestamp(now) + "\r\n" +
		"Content-Type:application/json; charset=utf-8\r\n" +
		"Path:speech.config\r\n\r\n" +
		`{"context":{"synthesis":{"audio":{"metadataoptions":{` +
		`"sentenceBoundaryEnabled":"false","wordBoundaryEnabled":"true"},` +
		`"outputFormat":"` + outputFormat + `"}}}}` + "\r\n"
}

func ssmlMessage(requestID string, now time.Time, ssml string) string {
	return "X-RequestId:" + requestID + "\r\n" +
		"Content-Type:application/ssml+xml\r\n" +
		"X-Timestamp:" + timestamp(now) + "Z\r\n" +
		"Path:ssml\r\n\r\n" +
		ssml
}

// parseHeaders reads "Key:Value" lines up to the blank line.
func parseHeaders(data []byte) map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(string(data), "\r\n") {
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[key] = value
	}
	return headers
}

// synthesize streams one part of text over its own connection and returns
// the MP3 bytes received before turn.end.
func (c *Client) synthesize(ctx context.Context, escapedText string) ([]byte, error) {
	wsURL, err := c.synthesisURL()
	if err != nil {
		return nil, err
	}

	conn, _, err := c.dialer.DialContext(ctx, wsURL, edgeHeaders())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to tts service: %w", err)
	}
	defer conn.Close()

	// unblocks ReadMessage when the caller gives up
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	now := c.now()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(speechConfigMessage(now))); err != nil {
		return nil, c.ctxErr(ctx, fmt.Errorf("failed to send speech config: %w", err))
	}
	ssml := buildSSML(c.voice, c.cfg.Rate, c.cfg.Pitch, c.cfg.Volume, escapedText)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(ssmlMessage(helper.GenerateHexID(), now, ssml))); err != nil {
		return nil, c.ctxErr(ctx, fmt.Errorf("failed to send ssml: %w", err))
	}

	var audio bytes.Buffer
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return nil, c.ctxErr(ctx, fmt.Errorf("tts stream interrupted: %w", err))
		}

		switch msgType {
		case websocket.TextMessage:
			header, _, _ := bytes.Cut(data, []byte("\r\n\r\n"))
			path := parseHeaders(header)["Path"]
			if path == "turn.end" {
				if audio.Len() == 0 {
					return nil, ErrNoAudio
				}
				return audio.Bytes(), nil
			}
			// turn.start, response, audio.metadata carry nothing we use

		case websocket.BinaryMessage:
			if len(data) < 2 {
				return nil, fmt.Errorf("tts: binary frame too short")
			}
			headerLen := int(binary.BigEndian.Uint16(data[:2]))
			if 2+headerLen > len(data) {
				return nil, fmt.Errorf("tts: binary frame header length %d exceeds frame", headerLen)
			}
			headers := parseHeaders(data[2 : 2+headerLen])
			if headers["Path"] != "audio" {
				continue
			}
			payload := data[2+headerLen:]
			if len(payload) == 0 {
				continue
			}
			audio.Write(payload)
		}
	}
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		log.Debug().Err(err).Msg("TTS request cancelled")
		return fmt.Errorf("tts: %w", ctxErr)
	}
	return err
}
