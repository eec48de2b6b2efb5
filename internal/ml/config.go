package ml

import "os"

// Config selects and configures an estimation model
type Config struct {
	Type            string `json:"type"` // "local" or "google"
	ProjectID       string `json:"project_id"`
	Location        string `json:"location"`
	CredentialsFile string `json:"credentials_file"`
	Model           string `json:"model"`
}

// withEnv falls back to environment variables for unset Google settings
func (c Config) withEnv() Config {
	if c.ProjectID == "" {
		c.ProjectID = os.Getenv("GOOGLE_PROJECT_ID")
	}
	if c.Location == "" {
		c.Location = os.Getenv("GOOGLE_LOCATION")
	}
	if c.CredentialsFile == "" {
		c.CredentialsFile = os.Getenv("GOOGLE_CREDENTIALS_FILE")
	}
	if c.Model == "" {
		c.Model = defaultGeminiModel
	}
	return c
}
