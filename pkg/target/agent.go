package target

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Output destinations understood by ProcessOutput.
const (
	OutputNull    = "null"
	OutputInherit = "inherit"
)

// ProcessOutput routes an agent's stdout/stderr: "null", "inherit", or a
// file path on the target.
type ProcessOutput struct {
	StdOut string `json:"stdout"`
	StdErr string `json:"stderr"`
}

// AgentLaunchConfiguration is the value object describing a binary agent
// launch: the binary, its arguments, environment, and output routing.
type AgentLaunchConfiguration struct {
	Binary      string            `json:"binary"`
	Arguments   []string          `json:"arguments"`
	Environment map[string]string `json:"environment"`
	Output      ProcessOutput     `json:"output"`
}

// Validate checks the configuration is launchable.
func (c AgentLaunchConfiguration) Validate() error {
	if c.Binary == "" {
		return errors.New("agent launch: binary must not be empty")
	}
	return nil
}

// UnmarshalAgentLaunchConfiguration decodes and validates a JSON launch
// configuration.
func UnmarshalAgentLaunchConfiguration(data []byte) (AgentLaunchConfiguration, error) {
	var c AgentLaunchConfiguration
	if err := json.Unmarshal(data, &c); err != nil {
		return c, errors.Wrap(err, "decode agent launch configuration")
	}
	if c.Arguments == nil {
		c.Arguments = []string{}
	}
	if c.Environment == nil {
		c.Environment = map[string]string{}
	}
	if c.Output.StdOut == "" {
		c.Output.StdOut = OutputNull
	}
	if c.Output.StdErr == "" {
		c.Output.StdErr = OutputNull
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c AgentLaunchConfiguration) String() string {
	data, err := json.Marshal(c)
	if err != nil {
		return "agent{invalid}"
	}
	return string(data)
}
