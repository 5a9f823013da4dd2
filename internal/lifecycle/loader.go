package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/pkg/model"
)

// Loader performs model load I/O. Load returns the measured footprint in
// bytes, or 0 when the backend cannot measure it.
type Loader interface {
	Load(ctx context.Context, desc model.ModelDescriptor) (int64, error)
	Unload(ctx context.Context, id string) error
}

// NopLoader keeps accounting only.
type NopLoader struct{}

// Load implements Loader.
func (NopLoader) Load(context.Context, model.ModelDescriptor) (int64, error) { return 0, nil }

// Unload implements Loader.
func (NopLoader) Unload(context.Context, string) error { return nil }

// EngineLoader loads models as LoRA adapters into every inference engine
// through the vLLM runtime adapter API.
type EngineLoader struct {
	client      *http.Client
	endpointsFn func() []string
}

// NewEngineLoader creates an EngineLoader. endpointsFn returns engine base URLs.
func NewEngineLoader(client *http.Client, endpointsFn func() []string) *EngineLoader {
	return &EngineLoader{client: client, endpointsFn: endpointsFn}
}

type loadAdapterRequest struct {
	LoraName string `json:"lora_name"`
	LoraPath string `json:"lora_path,omitempty"`
}

// Load implements Loader. Every engine must accept the adapter.
func (l *EngineLoader) Load(ctx context.Context, desc model.ModelDescriptor) (int64, error) {
	err := l.each(ctx, "/v1/load_lora_adapter", loadAdapterRequest{LoraName: desc.ID, LoraPath: desc.Location})
	return 0, err
}

// Unload implements Loader.
func (l *EngineLoader) Unload(ctx context.Context, id string) error {
	return l.each(ctx, "/v1/unload_lora_adapter", loadAdapterRequest{LoraName: id})
}

func (l *EngineLoader) each(ctx context.Context, path string, body loadAdapterRequest) error {
	endpoints := l.endpointsFn()
	if len(endpoints) == 0 {
		return fmt.Errorf("%s: no inference engine endpoints", path)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	var errs []error
	for _, ep := range endpoints {
		if err := l.post(ctx, strings.TrimRight(ep, "/")+path, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (l *EngineLoader) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request for %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("post %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
