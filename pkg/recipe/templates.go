package recipe

// Built-in template set. Templates are pure text with a closed set of
// placeholder names; anything environment-sensitive would break the
// byte-determinism guarantee of Render.

var artifactTemplates = map[string]string{
	FileDockerfile: dockerfileTemplate,
	FileCompose:    composeTemplate,
	FileEntrypoint: entrypointTemplate,
	FileMakefile:   makefileTemplate,
}

const dockerfileTemplate = `# Generated by botdock for version {{.VersionID}}. Do not edit.
FROM {{.ImageBase}}

WORKDIR /app
COPY entrypoint.sh /app/entrypoint.sh
RUN chmod 0755 /app/entrypoint.sh

LABEL botdock.deployment="{{.DeploymentID}}" \
      botdock.version="{{.VersionID}}" \
      botdock.config_hash="{{.ConfigHash}}"

ENTRYPOINT ["/app/entrypoint.sh"]
`

const composeTemplate = `# Generated by botdock for version {{.VersionID}}. Do not edit.
services:
  {{.DeploymentID}}:
    build: .
    image: botdock/{{.DeploymentID}}:{{.VersionID}}
    container_name: {{.DeploymentID}}
    restart: on-failure
    stop_grace_period: {{.StopGraceSec}}s
    env_file:
      - {{.SecretsEnvPath}}
{{- if .EnvLines}}
    environment:
{{- range .EnvLines}}
      - {{.}}
{{- end}}
{{- end}}
    labels:
      botdock.deployment: "{{.DeploymentID}}"
      botdock.version: "{{.VersionID}}"
      botdock.config_hash: "{{.ConfigHash}}"
    deploy:
      resources:
        limits:
          cpus: "{{.CPUs}}"
          memory: {{.MemoryMB}}M
    healthcheck:
      test: ["CMD-SHELL", "test -d /proc/1"]
      interval: 10s
      timeout: 5s
      retries: 3
      start_period: 15s
{{- if .DataMounts}}
    volumes:
{{- range .DataMounts}}
      - {{.}}
{{- end}}
{{- end}}
`

const entrypointTemplate = `#!/bin/sh
# Generated by botdock for version {{.VersionID}}. Do not edit.
set -eu

echo "starting {{.DeploymentID}} ({{.RuntimeID}}, version {{.VersionID}})"

{{if eq .Family "python" -}}
exec python -m bot
{{- else if eq .Family "node" -}}
exec node .
{{- else -}}
exec /app/bot
{{- end}}
`

const makefileTemplate = `# Generated by botdock for version {{.VersionID}}. Do not edit.
COMPOSE ?= docker compose

.PHONY: up down restart logs status

up:
	$(COMPOSE) up -d --build

down:
	$(COMPOSE) down

restart:
	$(COMPOSE) restart

logs:
	$(COMPOSE) logs --tail=200 -f

status:
	$(COMPOSE) ps
`
