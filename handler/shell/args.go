// Package shell implements the subprocess-backed content-handler
// convention: the engine-appended argument set, the component token
// substitution used by script handlers, and the result file a child
// process writes for the engine to read.
package shell

import (
	"fmt"

	"github.com/c360studio/otaagent/workflow"
)

// Action flags appended to every handler invocation.
const (
	ActionDownload    = "--action-download"
	ActionInstall     = "--action-install"
	ActionApply       = "--action-apply"
	ActionCancel      = "--action-cancel"
	ActionIsInstalled = "--action-is-installed"
)

// Reserved component tokens recognized in step arguments. An unknown or
// absent component resolves every token to the literal "n/a".
const (
	tokenComponentID           = "--component-id-val"
	tokenComponentName         = "--component-name-val"
	tokenComponentManufacturer = "--component-manufacturer-val"
	tokenComponentModel        = "--component-model-val"
	tokenComponentVersion      = "--component-version-val"
	tokenComponentGroup        = "--component-group-val"
	tokenComponentProp         = "--component-prop-val"
)

// notAvailable is substituted for component fields that cannot be resolved.
const notAvailable = "n/a"

// BuildArgs expands the step's declared arguments against the node's
// currently selected component and appends the engine-supplied argument
// set: the action flag, --work-folder, --result-file and
// --installed-criteria. Only the --work-folder spelling is emitted; the
// legacy --workfolder form is not supported.
func BuildArgs(wf *workflow.Workflow, actionFlag string, declared []string) []string {
	var component *workflow.Component
	if selected := wf.SelectedComponents(); len(selected) > 0 {
		component = &selected[0]
	}

	args := make([]string, 0, len(declared)+8)
	for i := 0; i < len(declared); i++ {
		token := declared[i]
		switch token {
		case tokenComponentID:
			args = append(args, componentField(component, func(c *workflow.Component) string { return c.ID }))
		case tokenComponentName:
			args = append(args, componentField(component, func(c *workflow.Component) string { return c.Name }))
		case tokenComponentManufacturer:
			args = append(args, componentField(component, func(c *workflow.Component) string { return c.Manufacturer }))
		case tokenComponentModel:
			args = append(args, componentField(component, func(c *workflow.Component) string { return c.Model }))
		case tokenComponentVersion:
			args = append(args, componentField(component, func(c *workflow.Component) string { return c.Version }))
		case tokenComponentGroup:
			args = append(args, componentField(component, func(c *workflow.Component) string { return c.Group }))
		case tokenComponentProp:
			// Consumes the following token as the property name.
			if i+1 < len(declared) {
				i++
				args = append(args, componentProperty(component, declared[i]))
			} else {
				args = append(args, notAvailable)
			}
		default:
			args = append(args, token)
		}
	}

	args = append(args,
		actionFlag,
		"--work-folder", wf.WorkFolder(),
		"--result-file", wf.ResultFilePath(),
		"--installed-criteria", wf.InstalledCriteria(),
	)
	return args
}

func componentField(c *workflow.Component, get func(*workflow.Component) string) string {
	if c == nil {
		return notAvailable
	}
	if v := get(c); v != "" {
		return v
	}
	return notAvailable
}

func componentProperty(c *workflow.Component, name string) string {
	if c == nil {
		return notAvailable
	}
	if v, ok := c.Properties[name]; ok && v != "" {
		return v
	}
	return notAvailable
}

// ActionFlag maps a workflow phase name to its action flag.
func ActionFlag(phase string) (string, error) {
	switch phase {
	case "download":
		return ActionDownload, nil
	case "install":
		return ActionInstall, nil
	case "apply":
		return ActionApply, nil
	case "cancel":
		return ActionCancel, nil
	case "is-installed":
		return ActionIsInstalled, nil
	}
	return "", fmt.Errorf("unknown handler action %q", phase)
}
