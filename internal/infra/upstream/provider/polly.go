package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"

	"github.com/vietddude/genrelay/internal/core/domain"
)

// AudioScheme prefixes result references served from the audio cache.
const AudioScheme = "audio://"

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// PollyConfig configures the speech provider.
type PollyConfig struct {
	Region  string
	VoiceID string
	Engine  string
}

// PollyProvider implements Generator for the synchronous speech kind. Each
// credential secret is an "ACCESS_KEY:SECRET_KEY" pair; audio is kept in an
// AudioCache and the result reference points there.
type PollyProvider struct {
	cfg   PollyConfig
	cache *AudioCache

	mu        sync.Mutex
	clients   map[string]synthClient
	newClient func(ctx context.Context, cred domain.Credential) (synthClient, error)
}

// NewPollyProvider creates a speech provider storing results in cache.
func NewPollyProvider(cfg PollyConfig, cache *AudioCache) *PollyProvider {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		cfg.VoiceID = "Joanna"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	p := &PollyProvider{
		cfg:     cfg,
		cache:   cache,
		clients: make(map[string]synthClient),
	}
	p.newClient = p.awsClient
	return p
}

// Name returns the provider's name.
func (p *PollyProvider) Name() string {
	return "polly"
}

// Prepare is not supported: speech has no asset dependency.
func (p *PollyProvider) Prepare(ctx context.Context, cred domain.Credential, in AssetInput) (*Response, error) {
	return nil, ErrUnsupported
}

// Poll is not supported: speech completes synchronously.
func (p *PollyProvider) Poll(ctx context.Context, cred domain.Credential, handle string) (*Response, error) {
	return nil, ErrUnsupported
}

// Submit synthesizes the prompt and returns a result reference to the cached audio.
func (p *PollyProvider) Submit(ctx context.Context, cred domain.Credential, in SubmitInput) (*Response, error) {
	start := time.Now()

	client, err := p.client(ctx, cred)
	if err != nil {
		return nil, err
	}

	var opts struct {
		Voice  string `json:"voice"`
		Engine string `json:"engine"`
	}
	if len(in.Payload) > 0 {
		_ = json.Unmarshal(in.Payload, &opts)
	}
	voice := p.cfg.VoiceID
	if opts.Voice != "" {
		voice = opts.Voice
	}
	engine := pollytypes.EngineStandard
	if strings.EqualFold(defaultString(opts.Engine, p.cfg.Engine), "neural") {
		engine = pollytypes.EngineNeural
	}

	output, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         aws.String(in.Prompt),
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(voice),
	})
	if err != nil {
		return nil, err
	}
	if output == nil || output.AudioStream == nil {
		return nil, &MalformedError{Snippet: "empty audio stream"}
	}
	defer output.AudioStream.Close()

	audio, err := io.ReadAll(io.LimitReader(output.AudioStream, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, &MalformedError{Snippet: "empty audio stream"}
	}

	key := p.cache.Put(audio)
	body, _ := json.Marshal(map[string]string{"result_ref": AudioScheme + key})
	return &Response{
		StatusCode:  http.StatusOK,
		Body:        body,
		ContentType: "application/json",
		Latency:     time.Since(start),
	}, nil
}

func (p *PollyProvider) client(ctx context.Context, cred domain.Credential) (synthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[cred.ID]; ok {
		return c, nil
	}
	c, err := p.newClient(ctx, cred)
	if err != nil {
		return nil, err
	}
	p.clients[cred.ID] = c
	return c, nil
}

func (p *PollyProvider) awsClient(ctx context.Context, cred domain.Credential) (synthClient, error) {
	accessKey, secretKey, ok := strings.Cut(cred.Secret, ":")
	if !ok || accessKey == "" || secretKey == "" {
		return nil, errors.New("invalid credentials: speech secret must be ACCESS_KEY:SECRET_KEY")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(p.cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	// Rotation owns retries; the SDK makes a single attempt.
	return polly.NewFromConfig(awsCfg, func(o *polly.Options) {
		o.RetryMaxAttempts = 1
	}), nil
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
