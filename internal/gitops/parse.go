package gitops

import (
	"fmt"
	"strings"
)

// parseStatus parses `git status --porcelain=v2 --branch` output.
func parseStatus(out string) *StatusResult {
	result := &StatusResult{Files: []FileStatus{}}

	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		switch line[0] {
		case '#':
			parseStatusHeader(result, line)
		case '1':
			// 1 <XY> <sub> <mH> <mI> <mW> <hH> <hI> <path>
			if fields := strings.SplitN(line, " ", 9); len(fields) == 9 {
				result.Files = append(result.Files, fileStatus(fields[1], fields[8]))
			}
		case '2':
			// 2 <XY> <sub> <mH> <mI> <mW> <hH> <hI> <X><score> <path>\t<origPath>
			if fields := strings.SplitN(line, " ", 10); len(fields) == 10 {
				path, _, _ := strings.Cut(fields[9], "\t")
				result.Files = append(result.Files, fileStatus(fields[1], path))
			}
		case 'u':
			// u <XY> <sub> <m1> <m2> <m3> <mW> <h1> <h2> <h3> <path>
			if fields := strings.SplitN(line, " ", 11); len(fields) == 11 {
				result.Files = append(result.Files, fileStatus(fields[1], fields[10]))
			}
		case '?':
			result.Files = append(result.Files, FileStatus{
				Path:   strings.TrimPrefix(line, "? "),
				Status: "??",
			})
		}
	}

	result.Clean = len(result.Files) == 0
	return result
}

func parseStatusHeader(result *StatusResult, line string) {
	switch {
	case strings.HasPrefix(line, "# branch.head "):
		result.Branch = strings.TrimPrefix(line, "# branch.head ")
	case strings.HasPrefix(line, "# branch.upstream "):
		result.Upstream = strings.TrimPrefix(line, "# branch.upstream ")
	case strings.HasPrefix(line, "# branch.ab "):
		fmt.Sscanf(strings.TrimPrefix(line, "# branch.ab "), "+%d -%d",
			&result.Ahead, &result.Behind)
	}
}

func fileStatus(xy, path string) FileStatus {
	return FileStatus{
		Path:   path,
		Status: xy,
		Staged: len(xy) == 2 && xy[0] != '.',
	}
}

// parseLog parses the unit-separated log format into commits.
func parseLog(out string) []CommitInfo {
	commits := []CommitInfo{}
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\x1f", 5)
		if len(parts) != 5 {
			continue
		}
		commits = append(commits, CommitInfo{
			Hash:    parts[0],
			Author:  parts[1],
			Email:   parts[2],
			Date:    parts[3],
			Message: parts[4],
		})
	}
	return commits
}

// statusPrefixChars are the porcelain XY characters a client may echo back
// as a path prefix.
const statusPrefixChars = " MTADRCU?!."

// normalizePaths strips a leading porcelain status prefix from each path, so
// clients may pass entries verbatim from a status listing.
func normalizePaths(files []string) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, normalizePath(f))
	}
	return out
}

func normalizePath(file string) string {
	if len(file) > 3 && file[2] == ' ' &&
		strings.ContainsRune(statusPrefixChars, rune(file[0])) &&
		strings.ContainsRune(statusPrefixChars, rune(file[1])) {
		return strings.TrimLeft(file[3:], " ")
	}
	return file
}
