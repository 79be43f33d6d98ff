package config

import "fmt"

// CredentialsSection holds named tokens referenced by the transport and MCP
// servers
type CredentialsSection struct {
	Tokens  map[string]Credential `json:"tokens" yaml:"tokens"`
	Default string                `json:"default" yaml:"default"`
}

// Credential is a single token and how it is presented
type Credential struct {
	Token       string `json:"token" yaml:"token"`
	Header      string `json:"header,omitempty" yaml:"header,omitempty"` // default Authorization
	Scheme      string `json:"scheme,omitempty" yaml:"scheme,omitempty"` // default Bearer; "-" for none
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Get returns a credential by name; "" selects the default
func (c CredentialsSection) Get(name string) (Credential, bool) {
	if name == "" {
		name = c.Default
	}
	if name == "" {
		return Credential{}, false
	}
	cred, ok := c.Tokens[name]
	return cred, ok
}

// Headers merges base with the header for the named credential. An unknown
// non-empty name is an error; an empty name with no default adds nothing.
func (c CredentialsSection) Headers(name string, base map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(base)+1)
	for k, v := range base {
		out[k] = v
	}

	cred, ok := c.Get(name)
	if !ok {
		if name != "" {
			return nil, fmt.Errorf("credential %q not found", name)
		}
		return out, nil
	}

	header := cred.Header
	if header == "" {
		header = "Authorization"
	}
	switch cred.Scheme {
	case "":
		out[header] = "Bearer " + cred.Token
	case "-":
		out[header] = cred.Token
	default:
		out[header] = cred.Scheme + " " + cred.Token
	}
	return out, nil
}
