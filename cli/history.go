package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/yllada/ocvpn/openconnect"
	"github.com/yllada/ocvpn/vpn"
)

// History prints the most recent sessions.
func (c *CLI) History(ctx context.Context, n int) error {
	store, err := c.openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Recent(ctx, n)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(c.out, "No sessions recorded yet.")
		return nil
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		status := r.FinalStatus
		duration := "-"
		if r.EndedAt == nil {
			status = "Active"
		} else {
			duration = formatDuration(r.Duration())
		}
		rows = append(rows, []string{
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.Name,
			r.Server,
			duration,
			statusText(status),
			r.Error,
		})
	}
	fmt.Fprintln(c.out, renderTable([]string{"STARTED", "NAME", "SERVER", "DURATION", "RESULT", "ERROR"}, rows))
	return nil
}

// FormSet saves the answer for a hidden or select field of profile.
func (c *CLI) FormSet(ctx context.Context, profile, formID, optionID, value string) error {
	store, err := c.openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	key := vpn.FormKey{FormID: formID, OptionID: optionID}
	if err := store.SaveAnswer(ctx, profile, key, value); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s %s will answer %s/%s with %q\n", successStyle.Render("✓"), profile, formID, optionID, value)
	return nil
}

// FormList prints saved answers, for one profile or all of them.
func (c *CLI) FormList(ctx context.Context, profile string) error {
	store, err := c.openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	answers, err := store.ListAnswers(ctx, profile)
	if err != nil {
		return err
	}
	if len(answers) == 0 {
		fmt.Fprintln(c.out, "No saved form answers.")
		return nil
	}

	rows := make([][]string, 0, len(answers))
	for _, a := range answers {
		rows = append(rows, []string{a.Profile, a.Key.FormID, a.Key.OptionID, a.Value})
	}
	fmt.Fprintln(c.out, renderTable([]string{"PROFILE", "FORM", "FIELD", "VALUE"}, rows))
	return nil
}

// FormClear forgets every saved answer of profile.
func (c *CLI) FormClear(ctx context.Context, profile string) error {
	store, err := c.openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.DeleteAnswers(ctx, profile)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s Removed %d saved answers for %s\n", successStyle.Render("✓"), n, profile)
	return nil
}

// Protocols prints the protocols the engine supports.
func (c *CLI) Protocols() error {
	rows := make([][]string, 0, len(openconnect.Protocols))
	for _, p := range openconnect.Protocols {
		name := p.Name
		if name == c.cfg.Protocol {
			name += " *"
		}
		rows = append(rows, []string{name, p.PrettyName, p.Description})
	}
	fmt.Fprintln(c.out, renderTable([]string{"NAME", "PRODUCT", "DESCRIPTION"}, rows))
	return nil
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
