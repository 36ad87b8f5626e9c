package types

import (
	"fmt"
	"strings"
)

// ImageSpec is one requested machine image together with the login user
// used to reach instances launched from it.
type ImageSpec struct {
	ImageID string `json:"image_id"`
	User    string `json:"user"`
}

// String renders the image in its command line form, USER@IMAGE_ID.
func (s ImageSpec) String() string {
	return s.User + "@" + s.ImageID
}

// ParseImageSpec parses a [USER@]IMAGE_ID argument. When the user part is
// omitted, defaultUser is used.
func ParseImageSpec(arg, defaultUser string) (ImageSpec, error) {
	arg = strings.TrimSpace(arg)
	user, imageID, found := strings.Cut(arg, "@")
	if !found {
		user, imageID = defaultUser, arg
	}

	if imageID == "" {
		return ImageSpec{}, fmt.Errorf("image argument '%s' has no image id", arg)
	}
	if strings.Contains(imageID, "@") {
		return ImageSpec{}, fmt.Errorf("image argument '%s' contains more than one '@'", arg)
	}
	if user == "" {
		return ImageSpec{}, fmt.Errorf("image argument '%s' has an empty user and no default user is set", arg)
	}

	return ImageSpec{ImageID: imageID, User: user}, nil
}

// ParseImageSpecs parses every argument with ParseImageSpec, stopping at the
// first invalid one.
func ParseImageSpecs(args []string, defaultUser string) ([]ImageSpec, error) {
	specs := make([]ImageSpec, 0, len(args))
	for _, arg := range args {
		spec, err := ParseImageSpec(arg, defaultUser)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
