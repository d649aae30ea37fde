package s3

import (
	"log/slog"
)

// options holds S3 blob configuration.
type options struct {
	bucket string
	prefix string
	region string

	// Custom endpoint for S3-compatible services such as MinIO.
	endpoint     string
	usePathStyle bool

	accessKey    string
	secretKey    string
	sessionToken string

	roleARN         string
	roleSessionName string
	externalID      string

	logger *slog.Logger
}

// Option configures the S3 blob.
type Option func(*options)

// WithBucket sets the S3 bucket name (required).
func WithBucket(bucket string) Option {
	return func(o *options) {
		o.bucket = bucket
	}
}

// WithPrefix sets a key prefix added in front of every snapshot key.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithRegion sets the AWS region. Default is "us-east-1".
func WithRegion(region string) Option {
	return func(o *options) {
		if region != "" {
			o.region = region
		}
	}
}

// WithEndpoint sets a custom endpoint for S3-compatible services.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithPathStyle enables path-style addressing.
func WithPathStyle(enabled bool) Option {
	return func(o *options) {
		o.usePathStyle = enabled
	}
}

// WithStaticCredentials sets an access key pair.
func WithStaticCredentials(accessKey, secretKey string) Option {
	return func(o *options) {
		o.accessKey = accessKey
		o.secretKey = secretKey
	}
}

// WithSessionToken sets a session token for temporary static credentials.
func WithSessionToken(token string) Option {
	return func(o *options) {
		o.sessionToken = token
	}
}

// WithAssumeRole obtains credentials by assuming roleARN through STS.
// sessionName defaults to "summary-snapshot".
func WithAssumeRole(roleARN, sessionName string) Option {
	return func(o *options) {
		o.roleARN = roleARN
		o.roleSessionName = sessionName
		if o.roleSessionName == "" {
			o.roleSessionName = "summary-snapshot"
		}
	}
}

// WithExternalID sets the external ID required by some cross-account roles.
func WithExternalID(externalID string) Option {
	return func(o *options) {
		o.externalID = externalID
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
