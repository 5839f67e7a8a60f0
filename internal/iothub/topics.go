package iothub

import (
	"net/url"
	"strconv"
	"strings"
)

const (
	twinResponsePrefix = "$iothub/twin/res/"
	desiredPatchPrefix = "$iothub/twin/PATCH/properties/desired/"

	twinResponseFilter = twinResponsePrefix + "#"
	desiredPatchFilter = desiredPatchPrefix + "#"
)

// telemetryTopic is the D2C topic, tagged with the output name for modules.
func telemetryTopic(deviceID, moduleID, output string) string {
	if moduleID == "" {
		return "devices/" + deviceID + "/messages/events/$.ct=application%2Fjson&$.ce=utf-8"
	}
	return "devices/" + deviceID + "/modules/" + moduleID +
		"/messages/events/$.on=" + url.QueryEscape(output) + "&$.ct=application%2Fjson&$.ce=utf-8"
}

func twinGetTopic(rid string) string {
	return "$iothub/twin/GET/?$rid=" + rid
}

func twinPatchTopic(rid string) string {
	return "$iothub/twin/PATCH/properties/reported/?$rid=" + rid
}

// parseTwinResponse splits "$iothub/twin/res/{status}/?$rid={rid}[&$version=N]".
func parseTwinResponse(topic string) (status int, rid string, ok bool) {
	rest, found := strings.CutPrefix(topic, twinResponsePrefix)
	if !found {
		return 0, "", false
	}
	code, query, found := strings.Cut(rest, "/?")
	if !found {
		return 0, "", false
	}
	status, err := strconv.Atoi(code)
	if err != nil {
		return 0, "", false
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return 0, "", false
	}
	rid = values.Get("$rid")
	return status, rid, rid != ""
}

// parseDesiredVersion extracts $version from a desired patch topic.
func parseDesiredVersion(topic string) (int, bool) {
	rest, found := strings.CutPrefix(topic, desiredPatchPrefix)
	if !found {
		return 0, false
	}
	_, query, _ := strings.Cut(rest, "?")
	values, err := url.ParseQuery(query)
	if err != nil {
		return 0, false
	}
	v, err := strconv.Atoi(values.Get("$version"))
	if err != nil {
		return 0, false
	}
	return v, true
}
