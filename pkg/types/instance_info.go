package types

// InstanceInfo summarizes a launched instance and the outcome of its
// inventory run.
type InstanceInfo struct {
	InstanceID       string `json:"instance_id"`
	ImageID          string `json:"image_id"`
	ImageName        string `json:"image_name"`
	ImageDescription string `json:"image_description,omitempty"`
	Address          string `json:"address"`
	User             string `json:"user"`
	State            string `json:"state"`
	OutputFile       string `json:"output_file,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Succeeded reports whether an output file was written for the instance.
func (i InstanceInfo) Succeeded() bool {
	return i.Error == "" && i.OutputFile != ""
}
