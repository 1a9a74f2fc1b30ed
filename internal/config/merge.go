package config

// MergeEnv merges maps left to right; on key collisions the later source wins.
func MergeEnv(sources ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, src := range sources {
		for k, v := range src {
			out[k] = v
		}
	}
	return out
}
