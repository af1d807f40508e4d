package twilio

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Media Streams wire constants.
const (
	encodingMulaw = "audio/x-mulaw"

	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventStop      = "stop"
	eventMark      = "mark"
)

// message is the JSON envelope of every Media Streams frame. Only the fields
// relevant to the event are populated.
type message struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
}

// startPayload describes the stream announced by the carrier.
type startPayload struct {
	AccountSid  string      `json:"accountSid"`
	CallSid     string      `json:"callSid"`
	StreamSid   string      `json:"streamSid"`
	Tracks      []string    `json:"tracks"`
	MediaFormat mediaFormat `json:"mediaFormat"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// mediaPayload carries one chunk of base64-encoded audio.
type mediaPayload struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

// decodeMessage parses one text frame from the carrier.
func decodeMessage(data []byte) (message, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return message{}, fmt.Errorf("twilio: decode message: %w", err)
	}
	return msg, nil
}

// decodeMediaPayload returns the raw audio bytes of a media message.
func decodeMediaPayload(msg message) ([]byte, error) {
	if msg.Media == nil {
		return nil, fmt.Errorf("twilio: media message without media payload")
	}
	raw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("twilio: decode media payload: %w", err)
	}
	return raw, nil
}

// encodeMediaMessage builds the outbound media frame for playback audio.
func encodeMediaMessage(streamSid string, data []byte) ([]byte, error) {
	msg := message{
		Event:     eventMedia,
		StreamSid: streamSid,
		Media: &mediaPayload{
			Payload: base64.StdEncoding.EncodeToString(data),
		},
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("twilio: encode media message: %w", err)
	}
	return out, nil
}

// validateFormat checks that the announced media format matches the
// canonical frame shape the bridge relays.
func validateFormat(f mediaFormat) error {
	if f.Encoding != encodingMulaw {
		return fmt.Errorf("twilio: unsupported encoding %q", f.Encoding)
	}
	if f.SampleRate != 0 && f.SampleRate != 8000 {
		return fmt.Errorf("twilio: unsupported sample rate %d", f.SampleRate)
	}
	if f.Channels > 1 {
		return fmt.Errorf("twilio: unsupported channel count %d", f.Channels)
	}
	return nil
}
