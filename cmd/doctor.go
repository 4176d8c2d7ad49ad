package cmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/webbrain/internal/config"
)

// doctorCmd checks the local setup: config parses, profiles are routable,
// the bridge endpoint answers, and the browser control endpoint (if
// configured) is reachable.
func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose configuration and connectivity",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	ok := true
	report := func(name string, err error) {
		if err != nil {
			fmt.Printf("  ✗ %s: %v\n", name, err)
			ok = false
		} else {
			fmt.Printf("  ✓ %s\n", name)
		}
	}

	cfgPath := resolveConfigPath()
	fmt.Printf("webbrain doctor (config: %s)\n\n", cfgPath)

	cfg, err := config.Load(cfgPath)
	report("config parses", err)
	if err != nil {
		os.Exit(1)
	}
	snap := cfg.Snapshot()

	// Profiles
	if len(snap.LLM.Profiles) == 0 {
		report("llm profiles", fmt.Errorf("no llmProfiles configured"))
	} else {
		var perr error
		for _, p := range snap.LLM.Profiles {
			if p.LLMApiBase == "" || p.LLMApiKey == "" {
				perr = fmt.Errorf("profile %q missing llmApiBase or llmApiKey", p.ID)
				break
			}
		}
		report(fmt.Sprintf("llm profiles (%d)", len(snap.LLM.Profiles)), perr)
	}

	// Profile chains reference real profiles
	var chainErr error
	for role, chain := range snap.LLM.ProfileChains {
		for _, id := range chain {
			found := false
			for _, p := range snap.LLM.Profiles {
				if p.ID == id {
					found = true
					break
				}
			}
			if !found {
				chainErr = fmt.Errorf("chain %q references unknown profile %q", role, id)
			}
		}
	}
	report("profile chains", chainErr)

	// Bridge endpoint
	if snap.Bridge.URL != "" {
		report("bridge endpoint", probeHTTP(wsToHTTP(snap.Bridge.URL)))
	} else if snap.Bridge.Listen {
		report("bridge", nil)
	} else {
		fmt.Println("  - bridge: not configured (local fs/exec tools unavailable)")
	}

	// Browser control endpoint
	if snap.Browser.Enabled && snap.Browser.ControlURL != "" {
		report("browser control endpoint", probeHTTP(snap.Browser.ControlURL+"/json/version"))
	} else if snap.Browser.Enabled {
		fmt.Println("  - browser: will launch its own instance on demand")
	}

	// Session storage writable
	dir := cfg.SessionsPath()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		report("session storage", err)
	} else {
		probe := dir + "/.doctor"
		werr := os.WriteFile(probe, []byte("ok"), 0o644)
		os.Remove(probe)
		report("session storage writable", werr)
	}

	fmt.Println()
	if !ok {
		fmt.Println("doctor found problems.")
		os.Exit(1)
	}
	fmt.Println("all checks passed.")
}

func probeHTTP(url string) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func wsToHTTP(url string) string {
	switch {
	case len(url) > 3 && url[:3] == "wss":
		return "https" + url[3:]
	case len(url) > 2 && url[:2] == "ws":
		return "http" + url[2:]
	}
	return url
}
