package psrig

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/jeandeaual/go-locale"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/text/language"
)

//go:embed lang/active.*.toml
var langFS embed.FS

func newBundle() (*i18n.Bundle, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)

	files, err := fs.Glob(langFS, "lang/active.*.toml")
	if err != nil {
		return nil, fmt.Errorf("list message files: %w", err)
	}

	for _, file := range files {
		if _, err := bundle.LoadMessageFileFS(langFS, file); err != nil {
			return nil, fmt.Errorf("load message file %s: %w", file, err)
		}
	}

	return bundle, nil
}

// newLocalizer resolves "auto" to the system language
func newLocalizer(bundle *i18n.Bundle, lang string) (*i18n.Localizer, string, error) {
	if lang == "auto" || lang == "" {
		var err error
		lang, err = locale.GetLanguage()
		if err != nil {
			return i18n.NewLocalizer(bundle, "en"), "en", fmt.Errorf("get system locale: %w", err)
		}
	}

	return i18n.NewLocalizer(bundle, lang, "en"), lang, nil
}

// user-facing messages; the English text doubles as the default
var (
	msgConnectedTitle = &i18n.Message{
		ID:    "ConnectedNotificationTitle",
		Other: "Connected to {{.ComPort}}.",
	}
	msgConnectedDescription = &i18n.Message{
		ID:    "ConnectedNotificationDescription",
		Other: "The light rig answered the handshake.",
	}
	msgRunCompletedTitle = &i18n.Message{
		ID:    "RunCompletedTitle",
		Other: "Capture finished",
	}
	msgRunCompletedDescription = &i18n.Message{
		ID:    "RunCompletedDescription",
		One:   "{{.Count}} {{.Kind}} frame saved to {{.Dir}}.",
		Other: "{{.Count}} {{.Kind}} frames saved to {{.Dir}}.",
	}
	msgRunWarningDescription = &i18n.Message{
		ID:    "RunWarningDescription",
		Other: "The rig did not confirm that every light finished.",
	}
	msgRunFailedTitle = &i18n.Message{
		ID:    "RunFailedTitle",
		Other: "Capture stopped: {{.Status}}",
	}
	msgRunFailedDescription = &i18n.Message{
		ID:    "RunFailedDescription",
		Other: "{{.Error}}. Reset the rig before the next capture.",
	}
	msgConfigReloadedTitle = &i18n.Message{
		ID:    "ConfigReloadedTitle",
		Other: "Configuration reloaded!",
	}
	msgConfigReloadedDescription = &i18n.Message{
		ID:    "ConfigReloadedDescription",
		Other: "Your changes have been applied.",
	}
	msgShellWelcome = &i18n.Message{
		ID:    "ShellWelcome",
		Other: "Light rig ready. Type \"help\" for commands.",
	}
	msgShellHelp = &i18n.Message{
		ID: "ShellHelp",
		Other: `Commands:
  sweep                      capture under all four lights (N, S, E, W)
  single <n|s|e|w>           capture under one light
  brightness <0-255>         set the light level
  kind <flat|calibration|target>  set the image kind for file names
  reset                      reset the rig and abort a running capture
  status                     show the session state
  open                       open the output folder
  help                       show this help
  quit                       turn the lights off and exit`,
	}
	msgShellUnknownCommand = &i18n.Message{
		ID:    "ShellUnknownCommand",
		Other: "Unknown command \"{{.Command}}\". Type \"help\" for commands.",
	}
	msgShellSummary = &i18n.Message{
		ID:    "ShellSummary",
		Other: "{{.Mode}}: {{.Status}} ({{.Captured}}/{{.Total}} captured)",
	}
)

func localize(localizer *i18n.Localizer, msg *i18n.Message, data map[string]any) string {
	return localizer.MustLocalize(&i18n.LocalizeConfig{
		DefaultMessage: msg,
		TemplateData:   data,
	})
}

func localizeCount(localizer *i18n.Localizer, msg *i18n.Message, count int, data map[string]any) string {
	return localizer.MustLocalize(&i18n.LocalizeConfig{
		DefaultMessage: msg,
		TemplateData:   data,
		PluralCount:    count,
	})
}
