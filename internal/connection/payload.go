package connection

type Media struct {
	URL string `json:"url"`
}

// Payload is the outbound message shape understood by the bridge.
type Payload struct {
	Image    *Media `json:"image,omitempty"`
	Video    *Media `json:"video,omitempty"`
	Audio    *Media `json:"audio,omitempty"`
	Document *Media `json:"document,omitempty"`
	Text     string `json:"text,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	FileName string `json:"fileName,omitempty"`

	// JPEGThumbnail set to an empty string asks the bridge not to render a
	// preview for the image.
	JPEGThumbnail *string `json:"jpegThumbnail,omitempty"`

	Buttons  map[string]any `json:"buttonsMessage,omitempty"`
	Template map[string]any `json:"templateMessage,omitempty"`
	List     map[string]any `json:"listMessage,omitempty"`
}

// Interactive reports whether the payload carries buttons, a template or a list.
func (p Payload) Interactive() bool {
	return p.Buttons != nil || p.Template != nil || p.List != nil
}

type deviceListMetadata struct{}

type messageContextInfo struct {
	DeviceListMetadataVersion int                `json:"deviceListMetadataVersion"`
	DeviceListMetadata        deviceListMetadata `json:"deviceListMetadata"`
}

type viewOnceInner struct {
	MessageContextInfo messageContextInfo `json:"messageContextInfo"`
	Payload
}

type viewOnceBody struct {
	Message viewOnceInner `json:"message"`
}

type ViewOnceEnvelope struct {
	ViewOnceMessage viewOnceBody `json:"viewOnceMessage"`
}

// Shape returns the wire form of p. Interactive payloads are wrapped in a
// view-once envelope carrying device list metadata; everything else passes
// through unchanged.
func Shape(p Payload) any {
	if !p.Interactive() {
		return p
	}
	return ViewOnceEnvelope{
		ViewOnceMessage: viewOnceBody{
			Message: viewOnceInner{
				MessageContextInfo: messageContextInfo{DeviceListMetadataVersion: 2},
				Payload:            p,
			},
		},
	}
}
