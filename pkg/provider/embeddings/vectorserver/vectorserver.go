// Package vectorserver provides an embeddings.Provider backed by an HTTP
// inference server that wraps a speaker-embedding model such as ECAPA-TDNN.
//
// The server is expected to expose POST /embed accepting a WAV file as
// multipart/form-data (field "file") and to respond with JSON:
//
//	{"embedding": [0.013, -0.224, ...], "model": "ecapa-tdnn"}
package vectorserver

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/crosstalk-audio/crosstalk/pkg/audio"
	"github.com/crosstalk-audio/crosstalk/pkg/provider/embeddings"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultDimensions = 192
)

// Compile-time assertion that Provider implements embeddings.Provider.
var _ embeddings.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the server. When empty
// the server uses whichever model it was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithDimensions overrides the expected embedding size. Defaults to 192, the
// ECAPA-TDNN output size.
func WithDimensions(dim int) Option {
	return func(p *Provider) { p.dimensions = dim }
}

// WithTimeout sets the HTTP request timeout. Defaults to 10 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// Provider implements embeddings.Provider against an HTTP embedding server.
// Safe for concurrent use.
type Provider struct {
	serverURL  string
	model      string
	dimensions int
	httpClient *http.Client
}

// New creates a Provider that connects to the embedding server at serverURL
// (e.g., "http://localhost:8091"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("vectorserver: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  serverURL,
		dimensions: defaultDimensions,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Dimensions returns the expected embedding vector size.
func (p *Provider) Dimensions() int { return p.dimensions }

// ModelID returns the configured model identifier, or "vectorserver" when
// the server's default model is in use.
func (p *Provider) ModelID() string {
	if p.model == "" {
		return "vectorserver"
	}
	return p.model
}

// Embed posts one segment of audio to the server and returns the embedding
// vector. A vector whose size differs from Dimensions() is rejected.
func (p *Provider) Embed(ctx context.Context, samples []float32, sampleRate int) ([]float32, error) {
	wav := encodeWAV(audio.Float32ToPCM16(samples), sampleRate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "segment.wav")
	if err != nil {
		return nil, fmt.Errorf("vectorserver: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("vectorserver: write wav data: %w", err)
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return nil, fmt.Errorf("vectorserver: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("vectorserver: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/embed", &body)
	if err != nil {
		return nil, fmt.Errorf("vectorserver: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vectorserver: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vectorserver: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("vectorserver: read response body: %w", err)
	}

	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("vectorserver: parse JSON response: %w", err)
	}
	if len(result.Embedding) != p.dimensions {
		return nil, fmt.Errorf("vectorserver: embedding has %d dimensions, want %d", len(result.Embedding), p.dimensions)
	}
	return result.Embedding, nil
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
