package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv reads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		_ = godotenv.Load(f)
	}
}

// ApplyEnv overrides file values from WTM_* and SF_* variables.
func (c *Config) ApplyEnv() {
	setString(&c.Server.Addr, "WTM_ADDR")
	setString(&c.Server.DataDir, "WTM_DATA_DIR")
	setBool(&c.Server.SecureCookie, "WTM_SECURE_COOKIE")
	setString(&c.Server.StaticDir, "WTM_STATIC_DIR")

	setString(&c.Storage.Backend, "WTM_STORAGE_BACKEND")
	setString(&c.Storage.NATS.URL, "WTM_NATS_URL")
	setString(&c.Storage.NATS.BucketPrefix, "WTM_NATS_BUCKET_PREFIX")
	setBool(&c.Storage.NATS.Embedded, "WTM_NATS_EMBEDDED")
	setString(&c.Storage.NATS.StoreDir, "WTM_NATS_STORE_DIR")
	setString(&c.Storage.SQLite.Path, "WTM_SQLITE_PATH")

	if v, ok := os.LookupEnv("WTM_ARCHIVE_REQUIRES_COMPLETE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Tasks.ArchiveRequiresComplete = &b
		}
	}
	if val := getEnvInt("WTM_ATTACHMENT_MAX_BYTES"); val > 0 {
		c.Tasks.AttachmentMaxBytes = int64(val)
	}
	if val := getEnvInt("WTM_EVENT_LOG_CAPACITY"); val > 0 {
		c.Tasks.EventLogCapacity = val
	}
	setString(&c.Tasks.WeekLocation, "WTM_WEEK_LOCATION")

	setString(&c.Roster.Path, "WTM_ROSTER_PATH")
	setString(&c.Log.Level, "WTM_LOG_LEVEL")

	setString(&c.Salesforce.InstanceURL, "SF_INSTANCE_URL")
	setString(&c.Salesforce.APIVersion, "SF_API_VERSION")
	setString(&c.Salesforce.Object, "SF_OBJECT")
	setString(&c.Salesforce.AccessToken, "SF_ACCESS_TOKEN")
	setString(&c.Salesforce.ClientID, "SF_CLIENT_ID")
	setString(&c.Salesforce.ClientSecret, "SF_CLIENT_SECRET")
	setString(&c.Salesforce.RefreshToken, "SF_REFRESH_TOKEN")
	if v := os.Getenv("SF_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Salesforce.Timeout = d
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func getEnvInt(key string) int {
	val := os.Getenv(key)
	if val == "" {
		return 0
	}
	num, err := strconv.Atoi(val)
	if err != nil {
		return 0
	}
	return num
}
