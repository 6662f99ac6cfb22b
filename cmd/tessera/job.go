package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tessera/internal/cdm"
	"tessera/internal/drm"
	"tessera/internal/keys"
	"tessera/internal/scheduler"
)

// jobFile is the input of `tessera prepare`: the tracks a manifest parser
// discovered for one title, with their DRM descriptors.
type jobFile struct {
	Service        string            `json:"service"`
	Title          string            `json:"title"`
	Profile        string            `json:"profile"`
	LicenseURL     string            `json:"license_url"`
	CertificateURL string            `json:"certificate_url"`
	Headers        map[string]string `json:"headers"`
	// ResponsePath is a gjson path to a base64 license in a JSON reply.
	ResponsePath string     `json:"response_path"`
	Tracks       []jobTrack `json:"tracks"`
}

type jobTrack struct {
	ID         string   `json:"id"`
	Descriptor string   `json:"descriptor"`
	Segments   []string `json:"segments"`
	Quality    int      `json:"quality"`
	Output     string   `json:"output"`
	TrackKID   string   `json:"track_kid"`
	DRM        []jobDRM `json:"drm"`
}

type jobDRM struct {
	Scheme string   `json:"scheme"`
	KIDs   []string `json:"kids"`
	// PSSH is base64 init data.
	PSSH string `json:"pssh"`
}

func loadJob(path string) (*jobFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	var job jobFile
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("parse job %s: %w", path, err)
	}
	job.Service = strings.ToLower(strings.TrimSpace(job.Service))
	if job.Service == "" {
		return nil, fmt.Errorf("job %s: service must be set", path)
	}
	if strings.TrimSpace(job.Title) == "" {
		return nil, fmt.Errorf("job %s: title must be set", path)
	}
	if len(job.Tracks) == 0 {
		return nil, fmt.Errorf("job %s: no tracks", path)
	}
	return &job, nil
}

// schedulerJobs converts job tracks. Relative outputs are placed next to the
// job file.
func (j *jobFile) schedulerJobs(baseDir string) ([]scheduler.Job, error) {
	jobs := make([]scheduler.Job, 0, len(j.Tracks))
	seen := make(map[string]bool, len(j.Tracks))
	for i, t := range j.Tracks {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			id = fmt.Sprintf("track%d", i+1)
		}
		if seen[id] {
			return nil, fmt.Errorf("track %s: duplicate id", id)
		}
		seen[id] = true
		if len(t.Segments) == 0 {
			return nil, fmt.Errorf("track %s: no segments", id)
		}
		output := strings.TrimSpace(t.Output)
		if output == "" {
			output = id + ".mp4"
		}
		if !filepath.IsAbs(output) {
			output = filepath.Join(baseDir, output)
		}

		job := scheduler.Job{ID: id, Segments: t.Segments, Output: output}
		if len(t.DRM) > 0 {
			track, err := t.drmTrack(id)
			if err != nil {
				return nil, err
			}
			job.DRM = track
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (t jobTrack) drmTrack(id string) (*drm.Track, error) {
	track := &drm.Track{ID: id, Quality: t.Quality}
	if strings.TrimSpace(t.TrackKID) != "" {
		kid, err := keys.ParseKID(t.TrackKID)
		if err != nil {
			return nil, fmt.Errorf("track %s: %w", id, err)
		}
		track.KID = kid
	}
	for _, d := range t.DRM {
		scheme, err := cdm.ParseScheme(d.Scheme)
		if err != nil {
			return nil, fmt.Errorf("track %s: %w", id, err)
		}
		desc := drm.Descriptor{Scheme: scheme}
		for _, raw := range d.KIDs {
			kid, err := keys.ParseKID(raw)
			if err != nil {
				return nil, fmt.Errorf("track %s: %w", id, err)
			}
			desc.KIDs = append(desc.KIDs, kid)
		}
		if d.PSSH != "" {
			pssh, err := base64.StdEncoding.DecodeString(strings.TrimSpace(d.PSSH))
			if err != nil {
				return nil, fmt.Errorf("track %s: decode pssh: %w", id, err)
			}
			desc.PSSH = pssh
		}
		track.Contexts = append(track.Contexts, drm.NewContext(desc))
	}
	return track, nil
}

func (j *jobFile) track(id string) (jobTrack, bool) {
	for i, t := range j.Tracks {
		if t.ID == id || (t.ID == "" && id == fmt.Sprintf("track%d", i+1)) {
			return t, true
		}
	}
	return jobTrack{}, false
}
