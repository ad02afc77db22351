// Package plugins hosts plugin implementation subpackages. It contains no
// runtime code itself; this file anchors the architecture guard test that
// keeps plugins on the pkg/pluginapi facade.
package plugins
