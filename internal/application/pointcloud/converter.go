package pointcloud

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// noExec reports whether KART_NO_EXEC disables subprocess execution,
// forcing external converters to fail fast instead of shelling out. Set in
// sandboxed environments where a converter binary may not even exist.
func noExec() bool {
	return os.Getenv("KART_NO_EXEC") != ""
}

// ConvertersForCommand builds a dataset's format-conversion registry around
// a single external command, mapping every recognized non-native tile
// extension to it. An empty command registers no conversion: a
// foreign-format tile commit then fails with domain.ErrFormatRejected
// without --convert-to-dataset-format, and with domain.ErrUnsupported with
// it.
func ConvertersForCommand(command string) map[string]ConvertFunc {
	if command == "" {
		return nil
	}
	conv := ExternalConverter(command)
	return map[string]ConvertFunc{
		".las": conv,
		".laz": conv,
	}
}

// ExternalConverter returns a ConvertFunc that pipes a tile through an
// external command: the foreign-format file path is passed as the command's
// sole argument, and its stdout is captured to a new temporary file holding
// the converted, native-format tile. Grounded on kart/point_cloud/v1.py's
// apply_tile_diff, which delegates format conversion to a configured
// external collaborator rather than a built-in transcoder.
func ExternalConverter(command string) ConvertFunc {
	return func(ctx context.Context, src string) (string, error) {
		if noExec() {
			return "", fmt.Errorf("running converter %s: KART_NO_EXEC is set, refusing to start a subprocess", command)
		}

		out, err := os.CreateTemp("", "kart-convert-*")
		if err != nil {
			return "", err
		}
		defer func() { _ = out.Close() }()

		cmd := exec.CommandContext(ctx, command, src) //#nosec G204 -- command is an operator-configured binary path, not user input
		cmd.Stdout = out
		var stderr strings.Builder
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			_ = os.Remove(out.Name())
			return "", fmt.Errorf("running converter %s: %w (stderr: %s)", command, err, stderr.String())
		}
		return out.Name(), nil
	}
}
