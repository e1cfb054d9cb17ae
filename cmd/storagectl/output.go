package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/ydb-platform/storage-manager/internal/service"
)

type Format string

const (
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
	FormatJSON  Format = "json"
)

func ValidateFormat(format string) error {
	switch Format(format) {
	case FormatTable, FormatYAML, FormatJSON:
		return nil
	}
	return fmt.Errorf("invalid format: %s (valid formats: table, yaml, json)", format)
}

// printObjects writes objects as a table or as a YAML or JSON list.
func printObjects(w io.Writer, format Format, objects []service.ObjectProperties) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(objects)
	case FormatYAML:
		data, err := yaml.Marshal(objects)
		if err != nil {
			return fmt.Errorf("failed to marshal objects to YAML: %w", err)
		}
		_, err = w.Write(data)
		return err
	}
	if len(objects) == 0 {
		_, err := fmt.Fprintln(w, "No objects found")
		return err
	}

	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PATH\tNAME\tTYPE\tDEVNODE\tUUID\tFORMAT")
	for _, obj := range objects {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			obj.Path, dash(obj.Name), dash(obj.Type), dash(obj.DevNode), dash(obj.UUID), dash(obj.Format))
	}
	_ = tw.Flush()
	_, err := w.Write(buf.Bytes())
	return err
}

// printObject writes one object as key/value lines or as a YAML or JSON
// document.
func printObject(w io.Writer, format Format, obj service.ObjectProperties) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(obj)
	case FormatYAML:
		data, err := yaml.Marshal(obj)
		if err != nil {
			return fmt.Errorf("failed to marshal object to YAML: %w", err)
		}
		_, err = w.Write(data)
		return err
	}

	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	row := func(key, value string) {
		if value != "" {
			_, _ = fmt.Fprintf(tw, "%s:\t%s\n", key, value)
		}
	}
	row("Path", obj.Path)
	row("Kind", obj.Kind)
	row("Name", obj.Name)
	row("Type", obj.Type)
	row("UUID", obj.UUID)
	row("Label", obj.Label)
	row("Exists", fmt.Sprint(obj.Exists))
	row("Sysfs path", obj.SysfsPath)
	row("Device node", obj.DevNode)
	row("Device", obj.Device)
	row("Format", obj.Format)
	row("Parents", strings.Join(obj.Parents, ", "))
	row("Children", strings.Join(obj.Children, ", "))
	row("Description", obj.Description)
	keys := make([]string, 0, len(obj.Attrs))
	for k := range obj.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		row("  "+k, obj.Attrs[k])
	}
	_ = tw.Flush()
	_, err := w.Write(buf.Bytes())
	return err
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
