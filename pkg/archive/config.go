package archive

// Config configures the S3 archiver.
type Config struct {
	// Bucket receives the archived job directories (required).
	Bucket string

	// Prefix is prepended to every object key; "<prefix><job_id>/<rel path>".
	Prefix string

	// Region is the AWS region. Empty resolves from the environment, then
	// defaults to us-east-1 for AWS endpoints.
	Region string

	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint string

	// Profile selects a shared config profile.
	Profile string

	// AccessKeyID and SecretAccessKey set static credentials; both or neither.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle uses path-style addressing (MinIO and similar).
	ForcePathStyle bool

	// Exclude lists doublestar patterns, relative to the job directory, of
	// files that are not uploaded.
	Exclude []string
}

// DefaultAWSRegion is used when nothing else resolves a region.
const DefaultAWSRegion = "us-east-1"

// DefaultExclude skips in-flight temp files written by the job store.
var DefaultExclude = []string{"**/*.tmp.*"}

func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "archive config: " + e.Field + ": " + e.Message
}

// resolveRegion keeps the SDK-resolved region, defaulting only for AWS
// proper. S3-compatible endpoints get no default.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
