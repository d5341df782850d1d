package lambda

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/osvaldoandrade/fnbay/internal/api"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
	"github.com/osvaldoandrade/fnbay/internal/forge"
	"github.com/osvaldoandrade/fnbay/internal/provider"
)

// runtimes maps runtime identifier and version to the Lambda runtime name.
var runtimes = map[string]map[string]types.Runtime{
	"nodejs": {"24.x": "nodejs24.x", "22.x": "nodejs22.x"},
	"python": {"3.14": "python3.14", "3.13": "python3.13", "3.12": "python3.12"},
	"ruby":   {"3.4": "ruby3.4", "3.3": "ruby3.3"},
	"java":   {"25": "java25", "21": "java21"},
}

func Supported(spec api.RuntimeSpec) bool {
	_, ok := runtimes[spec.Identifier][spec.Version]
	return ok
}

func lambdaRuntime(spec api.RuntimeSpec) (types.Runtime, error) {
	rt, ok := runtimes[spec.Identifier][spec.Version]
	if !ok {
		return "", fberrors.New(fberrors.FBValidationRuntime, fmt.Sprintf("unsupported runtime %s", spec))
	}
	return rt, nil
}

func buildLayer() (api.Layer, error) {
	layer := api.Layer{
		Provider:     Identifier,
		Version:      "2026-01-01",
		OS:           "linux",
		OSIdentifier: "aws-linux.any",
		Arch:         "x86_64",
	}
	id, err := provider.LayerIdentifier(Identifier, layer)
	if err != nil {
		return api.Layer{}, err
	}
	layer.Identifier = id
	return layer, nil
}

// Workflow is the build workflow run by forge for Lambda functions.
func Workflow() []forge.Step {
	return []forge.Step{
		{
			Type: forge.StepScript,
			Name: "Build Function",
			InitScript: []string{
				`echo "Setting up Metorial Forge build environment for Metorial Function Bay"`,
				"curl -fsSL https://bun.sh/install | bash",
				`export PATH="$HOME/.bun/bin:$PATH"`,
			},
			ActionScript: []string{
				`echo "Running build using Metorial Function Bay"`,
				"bunx -y function-bay@latest",
			},
		},
		{
			Type:               forge.StepUploadArtifact,
			Name:               "Upload Manifest",
			ArtifactName:       provider.ManifestArtifactName,
			ArtifactSourcePath: provider.ManifestPath,
		},
		{
			Type:               forge.StepUploadArtifact,
			Name:               "Upload Files",
			ArtifactName:       provider.OutputArtifactName,
			ArtifactSourcePath: provider.OutputZipPath,
		},
	}
}
