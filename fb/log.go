package fb

import "github.com/sirupsen/logrus"

var log = logrus.WithField("component", "fb")
