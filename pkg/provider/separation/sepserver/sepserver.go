// Package sepserver provides a separation.Provider backed by an HTTP
// inference server that wraps a SepFormer-style source-separation model.
//
// The server is expected to expose POST /separate accepting a WAV file as
// multipart/form-data (field "file") plus a "max_speakers" field, and to
// respond with JSON:
//
//	{"channels": ["<base64 int16 PCM>", ...], "model": "sepformer-wham"}
//
// Each channel is 16-bit little-endian mono PCM at the request sample rate.
package sepserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/crosstalk-audio/crosstalk/pkg/audio"
	"github.com/crosstalk-audio/crosstalk/pkg/provider/separation"
)

const defaultTimeout = 15 * time.Second

// Compile-time assertion that Provider implements separation.Provider.
var _ separation.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the server (e.g.,
// "sepformer-whamr"). When empty the server uses whichever model it was
// started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithTimeout sets the HTTP request timeout. Defaults to 15 s. Adapter calls
// must always carry a timeout; a timed-out call surfaces as an ordinary
// error, never a hang.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// Provider implements separation.Provider against an HTTP separation server.
// Safe for concurrent use; the underlying http.Client handles connection
// pooling.
type Provider struct {
	serverURL  string
	model      string
	httpClient *http.Client
}

// New creates a Provider that connects to the separation server at serverURL
// (e.g., "http://localhost:8090"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("sepserver: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ModelID returns the configured model identifier, or "sepserver" when the
// server's default model is in use.
func (p *Provider) ModelID() string {
	if p.model == "" {
		return "sepserver"
	}
	return p.model
}

// Separate posts one window of audio to the server and decodes the returned
// channels. The result never contains more than maxSpeakers channels; excess
// channels returned by a misbehaving server are truncated.
func (p *Provider) Separate(ctx context.Context, samples []float32, sampleRate, maxSpeakers int) ([][]float32, error) {
	wav := encodeWAV(audio.Float32ToPCM16(samples), sampleRate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "window.wav")
	if err != nil {
		return nil, fmt.Errorf("sepserver: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("sepserver: write wav data: %w", err)
	}
	if err := mw.WriteField("max_speakers", strconv.Itoa(maxSpeakers)); err != nil {
		return nil, fmt.Errorf("sepserver: write max_speakers field: %w", err)
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return nil, fmt.Errorf("sepserver: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("sepserver: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/separate", &body)
	if err != nil {
		return nil, fmt.Errorf("sepserver: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sepserver: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sepserver: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("sepserver: read response body: %w", err)
	}

	var result struct {
		Channels []string `json:"channels"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("sepserver: parse JSON response: %w", err)
	}

	if len(result.Channels) > maxSpeakers {
		result.Channels = result.Channels[:maxSpeakers]
	}

	channels := make([][]float32, 0, len(result.Channels))
	for i, enc := range result.Channels {
		pcm, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("sepserver: decode channel %d: %w", i, err)
		}
		channels = append(channels, audio.PCM16ToFloat32(pcm))
	}
	return channels, nil
}

// encodeWAV wraps raw 16-bit signed little-endian mono PCM data in a standard
// RIFF/WAV container.
func encodeWAV(pcm []byte, sampleRate int) []byte {
	const (
		bitsPerSample = 16
		channels      = 1
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
