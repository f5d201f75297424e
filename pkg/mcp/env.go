package mcp

import (
	"os"
	"regexp"
	"strings"

	"github.com/rhuss/mcpconnect/pkg/tokencrypto"
)

// ToolDelimiter joins a tool name and its server name in tool function
// names: "<tool>_mcp_<server>".
const ToolDelimiter = "_mcp_"

// UserContext identifies the end user a server configuration is
// rendered for.
type UserContext struct {
	ID       string
	Email    string
	Name     string
	Username string
}

var (
	envVarPattern       = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	placeholderPattern  = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)
	invalidServerChars  = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
	allUnderscoresRegex = regexp.MustCompile(`^_+$`)
)

// ProcessEnv returns a copy of cfg with placeholders substituted in the
// command arguments, environment, URL and headers:
//
//	${VAR}              process environment
//	{{MCP_USER_ID}}     user id (also EMAIL, NAME, USERNAME)
//	{{name}}            custom user variable
//
// Unknown placeholders are left in place.
func ProcessEnv(cfg *ServerConfig, user *UserContext, customVars map[string]string) *ServerConfig {
	out := cfg.Clone()
	sub := func(s string) string { return substitute(s, user, customVars) }

	for i, a := range out.Args {
		out.Args[i] = sub(a)
	}
	for k, v := range out.Env {
		out.Env[k] = sub(v)
	}
	for k, v := range out.Headers {
		out.Headers[k] = sub(v)
	}
	out.URL = sub(out.URL)
	return out
}

// expandEnv replaces ${VAR} references with the process environment,
// leaving unset variables in place.
func expandEnv(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return m
	})
}

func substitute(s string, user *UserContext, customVars map[string]string) string {
	if !strings.Contains(s, "${") && !strings.Contains(s, "{{") {
		return s
	}
	s = expandEnv(s)
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		if v, ok := customVars[name]; ok {
			return v
		}
		if user != nil {
			switch name {
			case "MCP_USER_ID":
				return user.ID
			case "MCP_USER_EMAIL":
				return user.Email
			case "MCP_USER_NAME":
				return user.Name
			case "MCP_USER_USERNAME":
				return user.Username
			}
		}
		return m
	})
}

// NormalizeServerName maps a server name onto [a-zA-Z0-9_.-] so it can be
// embedded in tool function names. Names without any valid character are
// replaced by "server_" plus a stable hash prefix.
func NormalizeServerName(name string) string {
	out := invalidServerChars.ReplaceAllString(name, "_")
	if out == "" || allUnderscoresRegex.MatchString(out) {
		return "server_" + tokencrypto.Hash(name)[:8]
	}
	return out
}

// ToolFunctionName returns the tool function name for a tool on server.
func ToolFunctionName(tool, server string) string {
	return tool + ToolDelimiter + NormalizeServerName(server)
}

// SplitToolFunctionName splits a tool function name produced by
// ToolFunctionName.
func SplitToolFunctionName(fn string) (tool, server string, ok bool) {
	i := strings.LastIndex(fn, ToolDelimiter)
	if i < 0 {
		return "", "", false
	}
	return fn[:i], fn[i+len(ToolDelimiter):], true
}
