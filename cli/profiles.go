package cli

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/yllada/ocvpn/storage"
)

// ListProfiles prints the stored profiles.
func (c *CLI) ListProfiles() error {
	store, err := c.openStore()
	if err != nil {
		return err
	}
	profiles, err := store.List()
	if err != nil {
		return err
	}

	if len(profiles) == 0 {
		fmt.Fprintln(c.out, "No VPN profiles configured.")
		fmt.Fprintln(c.out, "Add one with: ocvpn add password NAME SERVER")
		return nil
	}

	def, _ := store.DefaultName()
	rows := make([][]string, 0, len(profiles))
	for _, p := range profiles {
		marker := ""
		if p.Name == def {
			marker = "*"
		}
		user := p.Username
		if p.AuthType == storage.AuthOIDC {
			user = p.ClientID
		}
		insecure := "No"
		if p.AllowInsecure {
			insecure = "Yes"
		}
		rows = append(rows, []string{marker, p.Name, p.Server, string(p.AuthType), user, insecure})
	}

	fmt.Fprintln(c.out, renderTable([]string{"", "NAME", "SERVER", "AUTH", "USER / CLIENT", "INSECURE"}, rows))
	return nil
}

// AddPassword stores a password profile, prompting for missing fields.
func (c *CLI) AddPassword(name, server, username string, insecure bool) error {
	var err error
	if name, err = c.valueOrPrompt(name, "Name: "); err != nil {
		return err
	}
	if server, err = c.valueOrPrompt(server, "Server: "); err != nil {
		return err
	}
	if username, err = c.valueOrPrompt(username, "Username: "); err != nil {
		return err
	}
	password, err := c.readSecret("Password (empty to be asked by the server): ")
	if err != nil {
		return err
	}
	return c.saveProfile(storage.NewPasswordProfile(name, server, username, password, insecure))
}

// AddOIDC stores an OIDC profile, prompting for missing fields.
func (c *CLI) AddOIDC(name, server, issuer, clientID, clientSecret string, insecure bool) error {
	var err error
	if name, err = c.valueOrPrompt(name, "Name: "); err != nil {
		return err
	}
	if server, err = c.valueOrPrompt(server, "Server: "); err != nil {
		return err
	}
	if issuer, err = c.valueOrPrompt(issuer, "Issuer URL: "); err != nil {
		return err
	}
	if clientID, err = c.valueOrPrompt(clientID, "Client ID: "); err != nil {
		return err
	}
	return c.saveProfile(storage.NewOIDCProfile(name, server, issuer, clientID, clientSecret, insecure))
}

func (c *CLI) saveProfile(p *storage.ServerProfile) error {
	store, err := c.openStore()
	if err != nil {
		return err
	}
	if err := store.Upsert(p); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s Saved profile %s\n", successStyle.Render("✓"), p.Name)
	return nil
}

// DeleteProfile removes a profile.
func (c *CLI) DeleteProfile(name string) error {
	store, err := c.openStore()
	if err != nil {
		return err
	}
	if err := store.Remove(name); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s Deleted profile %s\n", successStyle.Render("✓"), name)
	return nil
}

// SetDefault marks name as the default profile.
func (c *CLI) SetDefault(name string) error {
	store, err := c.openStore()
	if err != nil {
		return err
	}
	if err := store.SetDefault(name); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s %s is now the default profile\n", successStyle.Render("✓"), name)
	return nil
}

// Export prints the shareable form of a profile.
func (c *CLI) Export(name string) error {
	store, err := c.openStore()
	if err != nil {
		return err
	}
	blob, err := store.Export(name)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, blob)
	return nil
}

// Import stores a profile produced by Export.
func (c *CLI) Import(blob string) error {
	store, err := c.openStore()
	if err != nil {
		return err
	}
	p, err := store.Import(blob)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s Imported profile %s (%s)\n", successStyle.Render("✓"), p.Name, p.Server)
	if p.AuthType == storage.AuthPassword {
		fmt.Fprintln(c.out, dimStyle.Render("Passwords are not exported; the server will ask for it."))
	}
	return nil
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}
