// Package categorizer assigns a category to a discovered service by scoring
// its title, URL and description against per-category keyword patterns.
package categorizer

import (
	"regexp"
)

// Other is returned when no category pattern matches.
const Other = "Other"

const (
	otherIcon  = "box"
	otherColor = "#888888"
)

// Category is a named group with its patterns and display attributes.
type Category struct {
	Name     string
	Icon     string
	Color    string
	Order    int
	Patterns []string
}

// table is ordered; ties in Categorize resolve to the earlier entry.
var table = []Category{
	{
		Name: "Infrastructure", Icon: "server", Color: "#00d9ff", Order: 1,
		Patterns: []string{
			`proxmox`, `vcenter`, `esxi`, `rancher`, `portainer`,
			`traefik`, `nginx`, `haproxy`, `kubernetes`, `k8s`,
			`docker`, `terraform`, `ansible`,
		},
	},
	{
		Name: "Monitoring", Icon: "activity", Color: "#ff00ff", Order: 2,
		Patterns: []string{
			`grafana`, `prometheus`, `nagios`, `zabbix`, `uptime`,
			`netdata`, `influxdb`, `kibana`, `dashboard.*monitor`,
		},
	},
	{
		Name: "Media", Icon: "film", Color: "#b026ff", Order: 3,
		Patterns: []string{
			`plex`, `jellyfin`, `emby`, `kodi`, `sonarr`,
			`radarr`, `prowlarr`, `tautulli`, `overseerr`, `ombi`,
		},
	},
	{
		Name: "Automation", Icon: "zap", Color: "#ff0080", Order: 4,
		Patterns: []string{
			`n8n`, `home\s*assistant`, `node-red`, `zapier`,
			`airflow`, `jenkins`, `gitlab.*ci`, `github.*actions`,
		},
	},
	{
		Name: "Storage", Icon: "database", Color: "#0080ff", Order: 5,
		Patterns: []string{
			`minio`, `nextcloud`, `owncloud`, `synology`, `nas`,
			`s3`, `ceph`, `gluster`, `truenas`,
		},
	},
	{
		Name: "Development", Icon: "code", Color: "#00ffaa", Order: 6,
		Patterns: []string{
			`gitlab`, `github`, `gitea`, `harbor`, `registry`,
			`vscode`, `jupyter`, `code-server`, `portainer`,
		},
	},
	{
		Name: "Security", Icon: "shield", Color: "#ff4444", Order: 7,
		Patterns: []string{
			`vault`, `authelia`, `authentik`, `keycloak`,
			`bitwarden`, `vaultwarden`, `firewall`, `pfsense`,
			`opnsense`,
		},
	},
	{
		Name: "Networking", Icon: "globe", Color: "#00d9ff", Order: 8,
		Patterns: []string{
			`unifi`, `pfsense`, `opnsense`, `router`,
			`pihole`, `adguard`, `dns`, `dhcp`, `vpn`,
			`wireguard`, `openvpn`,
		},
	},
}

type rule struct {
	name     string
	patterns []*regexp.Regexp
}

// Categorizer scores text against the compiled category table. It is
// immutable after construction and safe for concurrent use.
type Categorizer struct {
	rules  []rule
	byName map[string]Category
}

// New compiles the built-in category table.
func New() *Categorizer {
	return NewWithTable(table)
}

// NewWithTable compiles a custom table. Patterns are matched
// case-insensitively; a pattern that fails to compile panics.
func NewWithTable(categories []Category) *Categorizer {
	c := &Categorizer{
		rules:  make([]rule, 0, len(categories)),
		byName: make(map[string]Category, len(categories)),
	}
	for _, cat := range categories {
		r := rule{name: cat.Name}
		for _, p := range cat.Patterns {
			r.patterns = append(r.patterns, regexp.MustCompile(`(?i)`+p))
		}
		c.rules = append(c.rules, r)
		c.byName[cat.Name] = cat
	}
	return c
}

// Categorize returns the category whose patterns match the most times in
// "title url description". Each pattern counts at most once. The first
// category in table order wins a tie; no match yields Other.
func (c *Categorizer) Categorize(title, url, description string) string {
	text := title + " " + url
	if description != "" {
		text += " " + description
	}

	best, bestScore := Other, 0
	for _, r := range c.rules {
		score := 0
		for _, p := range r.patterns {
			if p.MatchString(text) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = r.name, score
		}
	}
	return best
}

// Icon returns the display icon for a category name, "box" when unknown.
func (c *Categorizer) Icon(name string) string {
	if cat, ok := c.byName[name]; ok && cat.Icon != "" {
		return cat.Icon
	}
	return otherIcon
}

// Color returns the display color for a category name, gray when unknown.
func (c *Categorizer) Color(name string) string {
	if cat, ok := c.byName[name]; ok && cat.Color != "" {
		return cat.Color
	}
	return otherColor
}

// Defaults returns the categories seeded into an empty database, in order.
func Defaults() []Category {
	out := make([]Category, len(table))
	copy(out, table)
	return out
}
