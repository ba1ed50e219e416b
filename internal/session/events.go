package session

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/devlink/pkg/protocol"
)

// DeviceEvent is one decoded inbound event on the device channel.
type DeviceEvent interface{ deviceEvent() }

// AdminEvent is one decoded inbound event on the admin channel.
type AdminEvent interface{ adminEvent() }

type (
	// Register binds the connection to a device identifier.
	Register struct {
		DeviceID string `json:"deviceId"`
	}
	// CodeGenerated reports the code the device is displaying.
	CodeGenerated struct {
		DeviceID string `json:"deviceId"`
		Code     string `json:"code"`
	}
	// SpeechToText carries base64 audio to transcribe.
	SpeechToText struct {
		DeviceID  string `json:"deviceId"`
		AudioData string `json:"audioData"`
	}
	// TextToSpeech carries text to synthesize.
	TextToSpeech struct {
		DeviceID string `json:"deviceId"`
		Text     string `json:"text"`
	}
	// Chat carries one user utterance.
	Chat struct {
		DeviceID string `json:"deviceId"`
		Text     string `json:"text"`
	}
	// DeviceDisconnect is synthesized by the transport when the connection ends.
	DeviceDisconnect struct{}
)

func (Register) deviceEvent()         {}
func (CodeGenerated) deviceEvent()    {}
func (SpeechToText) deviceEvent()     {}
func (TextToSpeech) deviceEvent()     {}
func (Chat) deviceEvent()             {}
func (DeviceDisconnect) deviceEvent() {}

type (
	// RequestVerification asks a connected device to generate a code.
	RequestVerification struct {
		DeviceID string `json:"deviceId"`
	}
	// SubmitVerification redeems the code the user read off the device.
	SubmitVerification struct {
		DeviceID string `json:"deviceId"`
		Code     string `json:"code"`
	}
	// ListDevices asks for the connected device snapshot.
	ListDevices struct{}
	// AdminDisconnect is synthesized by the transport when the connection ends.
	AdminDisconnect struct{}
)

func (RequestVerification) adminEvent() {}
func (SubmitVerification) adminEvent()  {}
func (ListDevices) adminEvent()         {}
func (AdminDisconnect) adminEvent()     {}

// DecodeError reports a frame that could not be turned into an event.
type DecodeError struct {
	Event string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Event == "" {
		return "malformed frame: " + e.Err.Error()
	}
	return fmt.Sprintf("malformed %s payload: %v", e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnknownEventError reports an event name the channel does not accept.
type UnknownEventError struct {
	Event string
}

func (e *UnknownEventError) Error() string { return "unknown event: " + e.Event }

// DecodeDeviceEvent parses a raw device frame into its variant.
func DecodeDeviceEvent(data []byte) (DeviceEvent, error) {
	f, err := protocol.ParseFrame(data)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	switch f.Event {
	case protocol.EventDeviceRegister:
		return decodeDevice[Register](f)
	case protocol.EventVerificationCodeGenerated:
		return decodeDevice[CodeGenerated](f)
	case protocol.EventMediaASR:
		return decodeDevice[SpeechToText](f)
	case protocol.EventMediaTTS:
		return decodeDevice[TextToSpeech](f)
	case protocol.EventMediaChat:
		return decodeDevice[Chat](f)
	default:
		return nil, &UnknownEventError{Event: f.Event}
	}
}

// DecodeAdminEvent parses a raw admin frame into its variant.
func DecodeAdminEvent(data []byte) (AdminEvent, error) {
	f, err := protocol.ParseFrame(data)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	switch f.Event {
	case protocol.EventVerificationRequest:
		return decodeAdmin[RequestVerification](f)
	case protocol.EventVerificationSubmit:
		return decodeAdmin[SubmitVerification](f)
	case protocol.EventDevicesList:
		return ListDevices{}, nil
	default:
		return nil, &UnknownEventError{Event: f.Event}
	}
}

// frameDeviceID returns payload.deviceId from a frame that failed to decode,
// or "" when the frame does not carry a usable one.
func frameDeviceID(data []byte) string {
	var f struct {
		Payload struct {
			DeviceID string `json:"deviceId"`
		} `json:"payload"`
	}
	json.Unmarshal(data, &f)
	return f.Payload.DeviceID
}

func decodeAs[T any](f *protocol.InboundFrame) (T, error) {
	var v T
	if len(f.Payload) == 0 || string(f.Payload) == "null" {
		return v, &DecodeError{Event: f.Event, Err: fmt.Errorf("payload is required")}
	}
	if err := json.Unmarshal(f.Payload, &v); err != nil {
		return v, &DecodeError{Event: f.Event, Err: err}
	}
	return v, nil
}

func decodeDevice[T DeviceEvent](f *protocol.InboundFrame) (DeviceEvent, error) {
	v, err := decodeAs[T](f)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func decodeAdmin[T AdminEvent](f *protocol.InboundFrame) (AdminEvent, error) {
	v, err := decodeAs[T](f)
	if err != nil {
		return nil, err
	}
	return v, nil
}
