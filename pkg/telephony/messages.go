package telephony

// envelope is decoded first to discover which concrete message type a frame
// holds: dispatch on the type discriminator, then unmarshal the full shape.
type envelope struct {
	Event string `json:"event"`
}

type startMessage struct {
	Event string `json:"event"`
	Start struct {
		CallID      string `json:"callId"`
		StreamSID   string `json:"streamSid"`
		MediaFormat struct {
			Encoding   string `json:"encoding"`
			SampleRate int    `json:"sampleRate"`
		} `json:"mediaFormat"`
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"start"`
}

type mediaMessage struct {
	Event string `json:"event"`
	Media struct {
		Track     string `json:"track"`
		Chunk     string `json:"chunk"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media"`
}

type dtmfMessage struct {
	Event string `json:"event"`
	DTMF  struct {
		Digit     string `json:"digit"`
		Timestamp string `json:"timestamp"`
	} `json:"dtmf"`
}

type outboundMediaMessage struct {
	Event string `json:"event"`
	Media struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundControlMessage struct {
	Event string `json:"event"`
}

type outboundMarkMessage struct {
	Event string `json:"event"`
	Mark  struct {
		Name string `json:"name"`
	} `json:"mark"`
}
