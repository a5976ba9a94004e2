package config

import (
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// DefaultProfileName is the section read from ~/.databrickscfg when no profile is set.
const DefaultProfileName = "DEFAULT"

// Profile holds workspace settings read from a CLI configuration file.
type Profile struct {
	Host         string
	ClientID     string
	ClientSecret string
	Token        string
}

// profileLoadOptions keeps '#' inside secrets; only " #" starts a comment.
var profileLoadOptions = ini.LoadOptions{SpaceBeforeInlineComment: true}

func getProfileFilePath() string {
	if path := os.Getenv("DATABRICKS_CONFIG_FILE"); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".databrickscfg")
}

// LoadProfile reads the named section of the CLI configuration file.
// It returns nil when the file or the section does not exist.
func LoadProfile(name string) *Profile {
	path := getProfileFilePath()
	if path == "" {
		return nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return parseProfile(content, name)
}

// parseProfile extracts one section. A section with no keys counts as
// missing, since the DEFAULT section always exists.
func parseProfile(content []byte, name string) *Profile {
	file, err := ini.LoadSources(profileLoadOptions, content)
	if err != nil {
		return nil
	}
	section, err := file.GetSection(name)
	if err != nil || len(section.Keys()) == 0 {
		return nil
	}

	values := section.KeysHash()
	return &Profile{
		Host:         values["host"],
		ClientID:     values["client_id"],
		ClientSecret: values["client_secret"],
		Token:        values["token"],
	}
}
