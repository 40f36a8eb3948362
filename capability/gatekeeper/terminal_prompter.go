package gatekeeper

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/reglet-dev/reglet-sandbox/capability"
)

// TerminalPrompter provides interactive terminal prompting for consent.
type TerminalPrompter struct {
	out io.Writer
}

// NewTerminalPrompter creates a new TerminalPrompter writing warnings to stderr.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{out: os.Stderr}
}

// IsInteractive checks if we're running in an interactive terminal.
func (p *TerminalPrompter) IsInteractive() bool {
	fileInfo, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// PromptForCapability asks the user to consent to one dangerous permission.
func (p *TerminalPrompter) PromptForCapability(req capability.Request) (granted bool, always bool, err error) {
	if req.IsBroad {
		fmt.Fprintf(p.out, "\n")
		fmt.Fprintf(p.out, "\033[1;33mSecurity Warning: Broad Permission Requested\033[0m\n\n")
		fmt.Fprintf(p.out, "  %s\n", req.Description)
		fmt.Fprintf(p.out, "  Recommendation: Review if this broad access is necessary.\n")
		fmt.Fprintf(p.out, "\n")
	}

	const (
		OptionYes    = "Yes, allow for this session"
		OptionAlways = "Always allow (remember my choice)"
		OptionNo     = "No, deny"
	)

	var selection string

	err = huh.NewSelect[string]().
		Title(fmt.Sprintf("Plugin %s is requesting a %s permission", req.PluginID, req.Tier)).
		Description(req.Description).
		Options(
			huh.NewOption(OptionYes, OptionYes),
			huh.NewOption(OptionAlways, OptionAlways),
			huh.NewOption(OptionNo, OptionNo),
		).
		Value(&selection).
		Run()
	if err != nil {
		return false, false, err
	}

	switch selection {
	case OptionYes:
		return true, false, nil
	case OptionAlways:
		return true, true, nil
	default:
		return false, false, nil
	}
}

// FormatNonInteractiveError creates a helpful error message for non-interactive mode.
func (p *TerminalPrompter) FormatNonInteractiveError(pluginID string, missing []string) error {
	var msg strings.Builder
	fmt.Fprintf(&msg, "plugin %s requires consent (running in non-interactive mode)\n\n", pluginID)
	msg.WriteString("Required permissions:\n")
	for _, perm := range missing {
		fmt.Fprintf(&msg, "  - %s\n", perm)
	}
	msg.WriteString("\nTo grant these permissions:\n")
	msg.WriteString("  1. Run interactively and approve when prompted\n")
	fmt.Fprintf(&msg, "  2. Run: pluginctl consent grant %s %s\n", pluginID, strings.Join(missing, " "))
	msg.WriteString("  3. Use --security-level permissive (grants every dangerous permission)\n")

	return fmt.Errorf("%s", msg.String())
}
