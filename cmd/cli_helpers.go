package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/viper"

	"github.com/josephgoksu/rulegate/internal/compliance"
	"github.com/josephgoksu/rulegate/internal/config"
	"github.com/josephgoksu/rulegate/internal/ui"
)

func isJSON() bool {
	return viper.GetBool("json")
}

func isQuiet() bool {
	return viper.GetBool("quiet")
}

func isVerbose() bool {
	return viper.GetBool("verbose")
}

func printJSON(w io.Writer, v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(output))
	return err
}

// newPrinter returns a printer for w: styled on a terminal, plain otherwise.
func newPrinter(w io.Writer) *ui.Printer {
	if f, ok := w.(*os.File); ok && f == os.Stdout {
		return ui.NewPrinter(w)
	}
	return ui.NewPlainPrinter(w)
}

// openRuntime builds the compliance pipeline for the current project.
// Callers must Close it.
func openRuntime(ctx context.Context) (*compliance.Runtime, error) {
	cfg := GetConfig()
	paths, err := config.GetPaths(cfg)
	if err != nil {
		return nil, err
	}
	return compliance.Open(ctx, compliance.Options{
		Config: cfg,
		Paths:  paths,
		Logger: slog.Default(),
	})
}

// withRuntime opens the runtime, runs fn and closes the runtime, reporting
// a close error only when fn succeeded.
func withRuntime(ctx context.Context, fn func(rt *compliance.Runtime) error) (err error) {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(context.WithoutCancel(ctx)); cerr != nil {
			LogError("close runtime", cerr)
			if err == nil {
				err = cerr
			}
		}
	}()
	return fn(rt)
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}
