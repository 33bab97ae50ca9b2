/*
Package config loads the server configuration (defaults, then YAML file,
then environment) and parses the declarative manifests accepted by the
apply path: event triggers, schedule triggers and connected systems.
*/
package config
