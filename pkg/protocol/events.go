package protocol

// Device channel, client → server.
const (
	EventDeviceRegister            = "device.register"
	EventVerificationCodeGenerated = "verification.code.generated"
	EventMediaASR                  = "media.asr"
	EventMediaTTS                  = "media.tts"
	EventMediaChat                 = "media.chat"
)

// Device channel, server → client.
const (
	EventDeviceRegistered       = "device.registered"
	EventDeviceRegisterError    = "device.register.error"
	EventVerificationCodeReq    = "verification.code.request"
	EventVerificationCodeStored = "verification.code.stored"
	EventASRResult              = "asr.result"
	EventTTSResult              = "tts.result"
	EventChatResult             = "chat.result"
)

// Admin channel, client → server.
const (
	EventVerificationRequest = "verification.request"
	EventVerificationSubmit  = "verification.submit"
	EventDevicesList         = "devices.list"
)

// Admin channel, server → client.
const (
	EventAdminHello            = "admin.hello"
	EventVerificationRequested = "verification.requested"
	EventDevicesConnected      = "devices.connected"
	EventDeviceConnected       = "device.connected"
	EventDeviceDisconnected    = "device.disconnected"
)

// Sent on both channels.
const (
	EventVerificationSuccess = "verification.success"
	EventVerificationError   = "verification.error"
	EventProtocolError       = "protocol.error"
)
