package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sladg/pgvault-operator/internal/constants"
)

// Environment keys understood by the operator.
const (
	KeyCommvaultHost       = "CV_CSHOSTNAME"
	KeyCommvaultIP         = "CV_CSIPADDR"
	KeyCommvaultClientName = "CV_CSCLIENTNAME"
	KeyCommvaultMAService  = "CV_MASVCNAME"
	KeyCommvaultAPIURL     = "CV_API_URL"
	KeyCommvaultInsecure   = "CV_API_INSECURE"
	KeyCommvaultUser       = constants.SecretKeyUser
	KeyCommvaultPassword   = constants.SecretKeyPassword
	KeyCommvaultImageTag   = "CV_IMAGE_TAG"
	KeyImageRegistry       = "IMAGE_REGISTRY"
	KeyRegistryProject     = "NAMESPACE"
	KeyPostgresImageTag    = "PGSQL_IMAGE_TAG"
	KeyClusterName         = "OPENSHIFT_CLUSTER_NAME"
	KeyJobPollInterval     = "JOB_POLL_INTERVAL"
	KeyJobPollTimeout      = "JOB_POLL_TIMEOUT"
)

const (
	postgresImageBase  = "anb-pgsql"
	commvaultImageBase = "anb-cmvlt-psql"
)

// Settings is the process-wide configuration. It is read once at startup and
// handed to components by value.
type Settings struct {
	CommvaultHost      string
	CommvaultIP        string
	CommvaultMAService string
	CommvaultAPIURL    string
	CommvaultInsecure  bool
	CommvaultUser      string
	CommvaultPassword  string
	CommvaultImageTag  string

	ImageRegistry    string
	RegistryProject  string
	PostgresImageTag string

	ClusterName string

	JobPollInterval time.Duration
	JobPollTimeout  time.Duration
}

// NewViper returns a viper instance reading the environment with operator defaults.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyCommvaultImageTag, "latest")
	v.SetDefault(KeyPostgresImageTag, "latest")
	v.SetDefault(KeyJobPollInterval, constants.JobPollInterval)
	v.SetDefault(KeyJobPollTimeout, constants.JobPollTimeout)
	return v
}

// BindFlags registers flags that override the environment.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String("commvault-api-url", "", "Commvault REST API base URL (defaults to https://$CV_CSHOSTNAME/webconsole/api)")
	fs.Bool("commvault-api-insecure", false, "Skip TLS verification towards the Commvault API")
	fs.Duration("job-poll-interval", constants.JobPollInterval, "Interval between Commvault job status polls")
	fs.Duration("job-poll-timeout", constants.JobPollTimeout, "Total time a job is polled before it is considered failed")

	bindings := map[string]string{
		KeyCommvaultAPIURL:   "commvault-api-url",
		KeyCommvaultInsecure: "commvault-api-insecure",
		KeyJobPollInterval:   "job-poll-interval",
		KeyJobPollTimeout:    "job-poll-timeout",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// Load materialises Settings from viper.
func Load(v *viper.Viper) Settings {
	s := Settings{
		CommvaultHost:      v.GetString(KeyCommvaultHost),
		CommvaultIP:        v.GetString(KeyCommvaultIP),
		CommvaultMAService: v.GetString(KeyCommvaultMAService),
		CommvaultAPIURL:    strings.TrimRight(v.GetString(KeyCommvaultAPIURL), "/"),
		CommvaultInsecure:  v.GetBool(KeyCommvaultInsecure),
		CommvaultUser:      v.GetString(KeyCommvaultUser),
		CommvaultPassword:  v.GetString(KeyCommvaultPassword),
		CommvaultImageTag:  v.GetString(KeyCommvaultImageTag),
		ImageRegistry:      strings.TrimRight(v.GetString(KeyImageRegistry), "/"),
		RegistryProject:    v.GetString(KeyRegistryProject),
		PostgresImageTag:   v.GetString(KeyPostgresImageTag),
		ClusterName:        v.GetString(KeyClusterName),
		JobPollInterval:    v.GetDuration(KeyJobPollInterval),
		JobPollTimeout:     v.GetDuration(KeyJobPollTimeout),
	}

	if s.CommvaultIP == "" {
		s.CommvaultIP = v.GetString(KeyCommvaultClientName)
	}
	if s.CommvaultMAService == "" {
		s.CommvaultMAService = s.CommvaultHost
	}
	if s.CommvaultAPIURL == "" && s.CommvaultHost != "" {
		s.CommvaultAPIURL = fmt.Sprintf("https://%s/webconsole/api", s.CommvaultHost)
	}
	if s.JobPollInterval <= 0 {
		s.JobPollInterval = constants.JobPollInterval
	}
	if s.JobPollTimeout <= 0 {
		s.JobPollTimeout = constants.JobPollTimeout
	}
	return s
}

// HasCredentials reports whether both Commcell credentials are configured.
func (s Settings) HasCredentials() bool {
	return s.CommvaultUser != "" && s.CommvaultPassword != ""
}

// PostgresImage returns the helper Postgres image for a major version.
// An empty version falls back to the default.
func (s Settings) PostgresImage(version string) string {
	version = strings.TrimSpace(version)
	if version == "" {
		version = constants.DefaultPostgresVersion
	}
	return s.image(postgresImageBase+version, s.PostgresImageTag)
}

// CommvaultImage returns the Commvault PostgreSQL agent image.
func (s Settings) CommvaultImage() string {
	return s.image(commvaultImageBase, s.CommvaultImageTag)
}

func (s Settings) image(name, tag string) string {
	if tag == "" {
		tag = "latest"
	}
	repository := name
	if s.RegistryProject != "" {
		repository = s.RegistryProject + "/" + name
	}
	if s.ImageRegistry != "" {
		repository = s.ImageRegistry + "/" + repository
	}
	return repository + ":" + tag
}
