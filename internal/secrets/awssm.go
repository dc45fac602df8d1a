package secrets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// regionPattern matches AWS region names like us-east-1 or ap-southeast-2.
var regionPattern = regexp.MustCompile(`^[a-z]{2}(-[a-z]+)+-\d+$`)

// SecretsGetter interface for the Secrets Manager GetSecretValue operation (enables testing).
type SecretsGetter interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SMResolver resolves sm:// references from AWS Secrets Manager.
//
// Reference formats:
//
//	sm://secret-name                 (region from the default credential chain)
//	sm://us-east-1/secret-name       (explicit region prefix)
//	sm://arn:aws:secretsmanager:...  (full ARN, region taken from the ARN)
type SMResolver struct {
	mu sync.Mutex
	// clients per region (injectable for testing via SetClient)
	clients map[string]SecretsGetter
}

// Scheme returns "sm".
func (r *SMResolver) Scheme() string {
	return "sm"
}

// SetClient injects a client for the given region. Tests use this to avoid
// real AWS calls; "" is the default-chain region.
func (r *SMResolver) SetClient(region string, c SecretsGetter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients == nil {
		r.clients = make(map[string]SecretsGetter)
	}
	r.clients[region] = c
}

func (r *SMResolver) client(ctx context.Context, region string) (SecretsGetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[region]; ok {
		return c, nil
	}

	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	c := secretsmanager.NewFromConfig(awsCfg)
	if r.clients == nil {
		r.clients = make(map[string]SecretsGetter)
	}
	r.clients[region] = c
	return c, nil
}

// Resolve fetches the secret value. String secrets are returned as-is;
// binary secrets are returned as raw bytes in a string.
func (r *SMResolver) Resolve(ctx context.Context, reference string) (string, error) {
	rest := strings.TrimPrefix(reference, "sm://")
	if rest == reference || rest == "" {
		return "", &InvalidReferenceError{Reference: reference, Reason: "expected sm://[region/]name or sm://arn:..."}
	}

	region, secretID := splitSMReference(rest)
	if secretID == "" {
		return "", &InvalidReferenceError{Reference: reference, Reason: "missing secret name"}
	}

	c, err := r.client(ctx, region)
	if err != nil {
		return "", &BackendError{Backend: "secretsmanager", Reference: reference, Reason: err.Error()}
	}

	out, err := c.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return "", &NotFoundError{Reference: reference, Backend: "secretsmanager"}
		}
		return "", &BackendError{
			Backend:   "secretsmanager",
			Reference: reference,
			Reason:    err.Error(),
			Fix:       "Check AWS credentials (aws sts get-caller-identity) and the secret's resource policy",
		}
	}

	if out.SecretString != nil {
		return *out.SecretString, nil
	}
	if len(out.SecretBinary) > 0 {
		return string(out.SecretBinary), nil
	}
	return "", &NotFoundError{Reference: reference, Backend: "secretsmanager"}
}

// splitSMReference separates an optional region prefix from the secret
// identifier. Full ARNs pass through whole, with the region lifted from the
// ARN itself so the client talks to the right endpoint.
func splitSMReference(rest string) (region, secretID string) {
	if strings.HasPrefix(rest, "arn:") {
		// arn:aws:secretsmanager:us-east-1:123456789012:secret:name
		parts := strings.SplitN(rest, ":", 5)
		if len(parts) >= 4 && regionPattern.MatchString(parts[3]) {
			region = parts[3]
		}
		return region, rest
	}
	head, tail, ok := strings.Cut(rest, "/")
	if ok && regionPattern.MatchString(head) {
		return head, tail
	}
	return "", rest
}

func init() {
	Register(&SMResolver{})
}
